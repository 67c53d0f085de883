package api

import (
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// PriceEvaluatedEvent is published on every successful evaluation.
type PriceEvaluatedEvent struct {
	RequestID     string   `json:"requestId"`
	TraceID       string   `json:"traceId,omitempty"`
	ProductID     string   `json:"productId,omitempty"`
	BasePrice     float64  `json:"basePrice"`
	Price         float64  `json:"price"`
	Currency      string   `json:"currency"`
	RuleID        string   `json:"ruleId,omitempty"`
	RuleIDs       []string `json:"ruleIds"`
	GuardrailHits int      `json:"guardrailHits"`
}

// EvaluatePrice handles POST /price/evaluate.
func (h *Handler) EvaluatePrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.PriceRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadRequest(w, "invalid JSON request body")
		return
	}

	result, err := h.deps.Pricing.Evaluate(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	event := PriceEvaluatedEvent{
		RequestID:     result.RequestID,
		TraceID:       GetTraceID(ctx),
		ProductID:     req.Context.ProductID,
		BasePrice:     result.Diagnostics.BasePrice,
		Price:         result.Price,
		Currency:      result.Currency,
		RuleIDs:       make([]string, 0, len(result.Diagnostics.AppliedRules)),
		GuardrailHits: len(result.Diagnostics.GuardrailHits),
	}
	for _, applied := range result.Diagnostics.AppliedRules {
		event.RuleIDs = append(event.RuleIDs, applied.RuleID)
	}
	if len(event.RuleIDs) > 0 {
		event.RuleID = event.RuleIDs[0]
	}
	if err := bus.PublishJSON(ctx, h.deps.Bus, domain.TopicPriceEvaluated, event); err != nil {
		slog.Warn("failed to publish price evaluation",
			"request_id", result.RequestID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusOK, result)
}
