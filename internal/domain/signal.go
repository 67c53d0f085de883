package domain

import "time"

// Signal is an ingested market or store signal (demand, inventory, ...).
// Signals are immutable once ingested.
type Signal struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Value      any       `json:"value"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SignalInput is one item of an ingest batch.
type SignalInput struct {
	Type  string `json:"type" validate:"required"`
	Value any    `json:"value"`
}

// SignalFilter narrows signal listings.
type SignalFilter struct {
	Type  string
	Limit int
}

// SignalSummary is the rolling summary of ingested signals.
type SignalSummary struct {
	Total          int            `json:"total"`
	Counts         map[string]int `json:"counts"`
	LastReceivedAt *time.Time     `json:"lastReceivedAt"`
}

// AnalyticsEvent is an append-only analytics record.
type AnalyticsEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type" validate:"required"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RuleID returns the payload's ruleId, if any.
func (e *AnalyticsEvent) RuleID() string {
	if e.Payload == nil {
		return ""
	}
	id, _ := e.Payload["ruleId"].(string)
	return id
}

// EventFilter narrows analytics listings.
type EventFilter struct {
	Type   string
	RuleID string
}

// EventSummary aggregates analytics events by type.
type EventSummary struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}
