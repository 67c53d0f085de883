package api

import (
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// IngestRequest is the request body for POST /signals.
type IngestRequest struct {
	Items []domain.SignalInput `json:"items"`
}

// IngestSignals handles POST /signals.
func (h *Handler) IngestSignals(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	stored, err := h.deps.Signals.Ingest(r.Context(), req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": len(stored),
		"signals":  stored,
	})
}

// ListSignals handles GET /signals?type=&limit=.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	signals, err := h.deps.Signals.List(r.Context(), domain.SignalFilter{
		Type:  r.URL.Query().Get("type"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"count":   len(signals),
	})
}

// SignalSummary handles GET /signals/summary.
func (h *Handler) SignalSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Signals.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SignalVelocity handles GET /signals/velocity?type=&window=.
// window is a Go duration and defaults to one hour.
func (h *Handler) SignalVelocity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := time.Hour
	if v := q.Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeBadRequest(w, "window must be a duration such as 15m")
			return
		}
		window = d
	}

	signalType := q.Get("type")
	count, err := h.deps.Signals.Velocity(r.Context(), signalType, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":   signalType,
		"window": window.String(),
		"count":  count,
	})
}

// RecordEvent handles POST /analytics/events.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.AnalyticsEvent
	if err := decodeJSON(r, &event, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	stored, err := h.deps.Analytics.Record(r.Context(), event)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// ListEvents handles GET /analytics/events?type=&ruleId=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := h.deps.Analytics.List(r.Context(), domain.EventFilter{
		Type:   q.Get("type"),
		RuleID: q.Get("ruleId"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// EventSummary handles GET /analytics/summary.
func (h *Handler) EventSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Analytics.Summary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
