package repository

// Schema definitions shared by SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL,
    scope_value TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    condition_expr TEXT NOT NULL DEFAULT '',
    actions TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
CREATE INDEX IF NOT EXISTS idx_rules_scope ON rules(scope);
`

// schemaRuleVersions holds immutable rule snapshots.
// Rows are never updated or deleted, including after the rule itself is deleted.
const schemaRuleVersions = `
CREATE TABLE IF NOT EXISTS rule_versions (
    rule_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    change_type TEXT NOT NULL,
    changes TEXT NOT NULL,
    changed_at TIMESTAMP NOT NULL,
    changed_by TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (rule_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_versions_changed_at ON rule_versions(changed_at);
`

// schemaExperiments stores the experiment document as JSON.
// Status is duplicated into its own column for filtering.
const schemaExperiments = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
`

const schemaAssignments = `
CREATE TABLE IF NOT EXISTS assignments (
    experiment_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    assigned_at TIMESTAMP NOT NULL,
    context TEXT,
    PRIMARY KEY (experiment_id, user_id)
);
`

const schemaSignals = `
CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    value TEXT,
    received_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_type ON signals(type);
CREATE INDEX IF NOT EXISTS idx_signals_received_at ON signals(received_at);
`

const schemaAnalyticsEvents = `
CREATE TABLE IF NOT EXISTS analytics_events (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    rule_id TEXT NOT NULL DEFAULT '',
    payload TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analytics_events_type ON analytics_events(type);
CREATE INDEX IF NOT EXISTS idx_analytics_events_rule ON analytics_events(rule_id);
`

// migration is one schema step. Versions are applied in ascending order
// and recorded in schema_migrations; applied versions are never re-run.
type migration struct {
	version int
	name    string
	stmt    string
}

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
);
`

// migrations must only ever be appended to.
var migrations = []migration{
	{1, "rules", schemaRules},
	{2, "rule_versions", schemaRuleVersions},
	{3, "experiments", schemaExperiments},
	{4, "assignments", schemaAssignments},
	{5, "signals", schemaSignals},
	{6, "analytics_events", schemaAnalyticsEvents},
}
