package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveExperiment inserts or replaces an experiment document.
func (r *SQLRepository) SaveExperiment(ctx context.Context, exp *domain.Experiment) error {
	return r.saveExperiment(ctx, r.db, exp)
}

func (r *SQLRepository) saveExperiment(ctx context.Context, q queryer, exp *domain.Experiment) error {
	if exp == nil || exp.ID == "" {
		return fmt.Errorf("%w: experiment id is required", domain.ErrInvalidInput)
	}

	doc, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to encode experiment: %w", err)
	}

	query := `
		INSERT INTO experiments (id, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, r.rebind(query),
		exp.ID, string(exp.Status), string(doc), exp.CreatedAt.UTC(), exp.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// UpdateExperiment runs fn inside a transaction holding the experiment row.
// Postgres locks the row with SELECT ... FOR UPDATE. SQLite has no row
// locks, so a no-op UPDATE takes the database write lock before the read.
func (r *SQLRepository) UpdateExperiment(ctx context.Context, experimentID string, fn func(tx domain.ExperimentTx, exp *domain.Experiment) error) (*domain.Experiment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT document FROM experiments WHERE id = ?`
	if r.driver == "postgres" {
		query += ` FOR UPDATE`
	} else {
		_, err := tx.ExecContext(ctx, r.rebind(`UPDATE experiments SET id = id WHERE id = ?`), experimentID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock experiment: %w", err)
		}
	}

	var doc string
	err = tx.QueryRowContext(ctx, r.rebind(query), experimentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	exp, err := decodeExperiment(doc)
	if err != nil {
		return nil, err
	}

	if err := fn(&sqlExperimentTx{repo: r, q: tx}, exp); err != nil {
		return nil, err
	}

	if err := r.saveExperiment(ctx, tx, exp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit experiment: %w", err)
	}
	return exp, nil
}

type sqlExperimentTx struct {
	repo *SQLRepository
	q    queryer
}

func (t *sqlExperimentTx) GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	return t.repo.getAssignment(ctx, t.q, experimentID, userID)
}

func (t *sqlExperimentTx) CreateAssignment(ctx context.Context, a *domain.Assignment) (*domain.Assignment, bool, error) {
	return t.repo.createAssignment(ctx, t.q, a)
}

// GetExperiment retrieves an experiment by ID.
func (r *SQLRepository) GetExperiment(ctx context.Context, experimentID string) (*domain.Experiment, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT document FROM experiments WHERE id = ?`), experimentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return decodeExperiment(doc)
}

// ListExperiments retrieves experiments in creation order.
func (r *SQLRepository) ListExperiments(ctx context.Context, filter domain.ExperimentFilter) ([]*domain.Experiment, error) {
	query := `SELECT document FROM experiments`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	experiments := []*domain.Experiment{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		exp, err := decodeExperiment(doc)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

// GetAssignment returns the assignment for (experiment, user).
func (r *SQLRepository) GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	return r.getAssignment(ctx, r.db, experimentID, userID)
}

func (r *SQLRepository) getAssignment(ctx context.Context, q queryer, experimentID, userID string) (*domain.Assignment, error) {
	query := `
		SELECT experiment_id, user_id, variant_id, assigned_at, context
		FROM assignments
		WHERE experiment_id = ? AND user_id = ?
	`

	var a domain.Assignment
	var assignCtx sql.NullString
	err := q.QueryRowContext(ctx, r.rebind(query), experimentID, userID).Scan(
		&a.ExperimentID, &a.UserID, &a.VariantID, &a.AssignedAt, &assignCtx,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	if assignCtx.Valid && assignCtx.String != "" {
		if err := json.Unmarshal([]byte(assignCtx.String), &a.Context); err != nil {
			return nil, fmt.Errorf("failed to parse assignment context: %w", err)
		}
	}
	return &a, nil
}

// CreateAssignment inserts the assignment unless one already exists.
// The primary key on (experiment_id, user_id) decides the winner.
func (r *SQLRepository) CreateAssignment(ctx context.Context, a *domain.Assignment) (*domain.Assignment, bool, error) {
	return r.createAssignment(ctx, r.db, a)
}

func (r *SQLRepository) createAssignment(ctx context.Context, q queryer, a *domain.Assignment) (*domain.Assignment, bool, error) {
	var assignCtx sql.NullString
	if len(a.Context) > 0 {
		b, err := json.Marshal(a.Context)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode assignment context: %w", err)
		}
		assignCtx = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO assignments (experiment_id, user_id, variant_id, assigned_at, context)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, user_id) DO NOTHING
	`
	result, err := q.ExecContext(ctx, r.rebind(query),
		a.ExperimentID, a.UserID, a.VariantID, a.AssignedAt.UTC(), assignCtx,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create assignment: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		stored := *a
		return &stored, true, nil
	}

	existing, err := r.getAssignment(ctx, q, a.ExperimentID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func decodeExperiment(doc string) (*domain.Experiment, error) {
	var exp domain.Experiment
	if err := json.Unmarshal([]byte(doc), &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment: %w", err)
	}
	if exp.Stats == nil {
		exp.Stats = make(map[string]domain.VariantStat)
	}
	return &exp, nil
}
