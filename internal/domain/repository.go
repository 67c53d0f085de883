// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// RuleStore persists rules and their immutable version snapshots.
type RuleStore interface {
	// CommitRule upserts the live rule and appends its version in one step.
	// The version must be exactly one past the latest stored version, else ErrVersionConflict.
	CommitRule(ctx context.Context, rule *Rule, version *RuleVersion) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*Rule, error)

	// DeleteRule removes the live rule. Version history is kept.
	DeleteRule(ctx context.Context, ruleID string) error

	ListVersions(ctx context.Context, ruleID string) ([]*RuleVersion, error)
	GetVersion(ctx context.Context, ruleID string, version int) (*RuleVersion, error)
	RecentVersions(ctx context.Context, limit int) ([]*RuleVersion, error)
	VersionSummaries(ctx context.Context) (map[string]VersionSummary, error)
}

// ExperimentStore persists experiments and assignments.
type ExperimentStore interface {
	SaveExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]*Experiment, error)
	GetAssignment(ctx context.Context, experimentID, userID string) (*Assignment, error)

	// CreateAssignment stores a unless (experiment, user) is already assigned.
	// It returns the stored assignment and whether a was the one stored.
	CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error)

	// UpdateExperiment loads the experiment under an exclusive lock that holds
	// across every process sharing the store, calls fn and saves the
	// experiment when fn returns nil. Assignments written through tx commit
	// together with the experiment. An error from fn discards all writes and
	// is returned unchanged.
	UpdateExperiment(ctx context.Context, experimentID string, fn func(tx ExperimentTx, exp *Experiment) error) (*Experiment, error)
}

// ExperimentTx is the assignment view available inside UpdateExperiment.
type ExperimentTx interface {
	GetAssignment(ctx context.Context, experimentID, userID string) (*Assignment, error)
	CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error)
}

// SignalStore is the append-only signal sink.
type SignalStore interface {
	AppendSignals(ctx context.Context, signals []*Signal) error
	ListSignals(ctx context.Context, filter SignalFilter) ([]*Signal, error)
}

// EventStore is the append-only analytics sink.
type EventStore interface {
	AppendEvent(ctx context.Context, event *AnalyticsEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*AnalyticsEvent, error)
}

// Repository bundles every store behind one backend.
type Repository interface {
	RuleStore
	ExperimentStore
	SignalStore
	EventStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the storage driver: "memory", "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
