package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ValidateRule handles POST /rules/validate.
// Invalid rules still return 200; the verdict is in the body.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var input domain.RuleInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Rules.Validate(input))
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var input domain.RuleInput
	if err := decodeJSON(r, &input, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	input.CreatedBy = actor(r, input.CreatedBy)

	rule, err := h.deps.Rules.Create(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /rules?status=&scope=.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RuleFilter{
		Status: domain.RuleStatus(q.Get("status")),
		Scope:  domain.Scope(q.Get("scope")),
	}

	rules, err := h.deps.Rules.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.deps.Rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PATCH /rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch domain.RulePatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}
	patch.UpdatedBy = actor(r, patch.UpdatedBy)

	rule, err := h.deps.Rules.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Rules.Delete(r.Context(), id, actor(r, "")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": true,
		"ruleId":  id,
	})
}

// PublishRule handles POST /rules/{id}/publish.
func (h *Handler) PublishRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublishedBy string `json:"publishedBy"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	rule, err := h.deps.Rules.Publish(r.Context(), chi.URLParam(r, "id"), actor(r, body.PublishedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// RuleHistory handles GET /rules/{id}/history.
func (h *Handler) RuleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := h.deps.Rules.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ruleId":   id,
		"versions": versions,
		"count":    len(versions),
	})
}

// RuleVersion handles GET /rules/{id}/versions/{version}.
func (h *Handler) RuleVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeBadRequest(w, "version must be an integer")
		return
	}

	version, err := h.deps.Rules.Version(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// CompareVersions handles GET /rules/{id}/compare?v1=&v2=.
func (h *Handler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	v1, err1 := strconv.Atoi(r.URL.Query().Get("v1"))
	v2, err2 := strconv.Atoi(r.URL.Query().Get("v2"))
	if err1 != nil || err2 != nil {
		writeBadRequest(w, "v1 and v2 must be integers")
		return
	}

	diff, err := h.deps.Rules.CompareVersions(r.Context(), chi.URLParam(r, "id"), v1, v2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// RevertRule handles POST /rules/{id}/revert.
func (h *Handler) RevertRule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version    int    `json:"version"`
		RevertedBy string `json:"revertedBy"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	result, err := h.deps.Rules.Revert(r.Context(), chi.URLParam(r, "id"), body.Version, actor(r, body.RevertedBy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RecentChanges handles GET /rules/changes?limit=.
func (h *Handler) RecentChanges(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	changes, err := h.deps.Rules.RecentChanges(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes": changes,
		"count":   len(changes),
	})
}

// VersionSummary handles GET /rules/versions/summary.
func (h *Handler) VersionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Rules.VersionSummary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
