package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AppendSignals stores a batch of signals in one transaction.
func (r *SQLRepository) AppendSignals(ctx context.Context, signals []*domain.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`INSERT INTO signals (id, type, value, received_at) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare signal insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range signals {
		value, err := json.Marshal(s.Value)
		if err != nil {
			return fmt.Errorf("failed to encode signal %s: %w", s.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, s.ID, s.Type, string(value), s.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save signal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signals: %w", err)
	}
	return nil
}

// ListSignals returns signals newest first.
func (r *SQLRepository) ListSignals(ctx context.Context, filter domain.SignalFilter) ([]*domain.Signal, error) {
	query := `SELECT id, type, value, received_at FROM signals`
	var args []any
	if filter.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY received_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	signals := []*domain.Signal{}
	for rows.Next() {
		var s domain.Signal
		var value sql.NullString
		if err := rows.Scan(&s.ID, &s.Type, &value, &s.ReceivedAt); err != nil {
			return nil, err
		}
		if value.Valid && value.String != "" {
			if err := json.Unmarshal([]byte(value.String), &s.Value); err != nil {
				return nil, fmt.Errorf("failed to parse signal %s: %w", s.ID, err)
			}
		}
		signals = append(signals, &s)
	}
	return signals, rows.Err()
}

// AppendEvent stores one analytics event.
func (r *SQLRepository) AppendEvent(ctx context.Context, event *domain.AnalyticsEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	query := `INSERT INTO analytics_events (id, type, rule_id, payload, timestamp) VALUES (?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.Type, event.RuleID(), string(payload), event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save analytics event: %w", err)
	}
	return nil
}

// ListEvents returns analytics events oldest first.
func (r *SQLRepository) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.AnalyticsEvent, error) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}

	query := `SELECT id, type, payload, timestamp FROM analytics_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, id"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics events: %w", err)
	}
	defer rows.Close()

	events := []*domain.AnalyticsEvent{}
	for rows.Next() {
		var e domain.AnalyticsEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to parse event %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
