package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// AssignRequest is the request body for POST /experiments/{id}/assign.
type AssignRequest struct {
	UserID  string         `json:"userId"`
	Context map[string]any `json:"context,omitempty"`
}

// OutcomeRequest is the request body for POST /experiments/{id}/outcomes.
type OutcomeRequest struct {
	UserID    string   `json:"userId"`
	Converted bool     `json:"converted"`
	Revenue   *float64 `json:"revenue,omitempty"`
}

// CreateExperiment handles POST /experiments.
func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var input domain.ExperimentInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	exp, err := h.deps.Experiments.Create(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

// ListExperiments handles GET /experiments?status=.
func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	filter := domain.ExperimentFilter{Status: domain.ExperimentStatus(r.URL.Query().Get("status"))}

	exps, err := h.deps.Experiments.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": exps,
		"count":       len(exps),
	})
}

// GetExperiment handles GET /experiments/{id}.
func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.deps.Experiments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// StartExperiment handles POST /experiments/{id}/start.
func (h *Handler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.deps.Experiments.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// PauseExperiment handles POST /experiments/{id}/pause.
func (h *Handler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	exp, err := h.deps.Experiments.Pause(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// CompleteExperiment handles POST /experiments/{id}/complete.
func (h *Handler) CompleteExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.deps.Experiments.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// AssignVariant handles POST /experiments/{id}/assign.
// An experiment that is not running yields {"assignment": null}.
func (h *Handler) AssignVariant(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	assignment, err := h.deps.Experiments.AssignVariant(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Context)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
}

// RecordOutcome handles POST /experiments/{id}/outcomes.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	stat, err := h.deps.Experiments.RecordOutcome(r.Context(), chi.URLParam(r, "id"), req.UserID, domain.Outcome{
		Converted: req.Converted,
		Revenue:   req.Revenue,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stat})
}

// ExperimentResults handles GET /experiments/{id}/results.
func (h *Handler) ExperimentResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.deps.Experiments.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
