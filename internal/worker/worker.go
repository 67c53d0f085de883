// Package worker consumes engine events from the EventBus and records them
// in the analytics log.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EventRecorder appends analytics events.
type EventRecorder interface {
	Record(ctx context.Context, event domain.AnalyticsEvent) (*domain.AnalyticsEvent, error)
}

// Worker turns bus messages into analytics events.
type Worker struct {
	bus      domain.EventBus
	recorder EventRecorder

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume. Empty means every engine topic.
	Topics []string
}

// NewWorker creates a new worker.
func NewWorker(bus domain.EventBus, recorder EventRecorder) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = domain.EngineTopics()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			slog.Error("failed to subscribe",
				"topic", topic,
				"error", err,
			)
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("worker started", "topics", len(topics))
	return nil
}

// handleMessage records one message. JSON object payloads become the event
// payload; anything else is kept under "value".
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	payload := map[string]any{}
	if len(msg.Payload) > 0 {
		var decoded any
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			w.failed.Add(1)
			slog.Error("failed to parse event message",
				"message_id", msg.ID,
				"topic", msg.Topic,
				"error", err,
			)
			return err
		}
		if obj, ok := decoded.(map[string]any); ok {
			payload = obj
		} else {
			payload["value"] = decoded
		}
	}

	event := domain.AnalyticsEvent{
		Type:    domain.EventType(msg.Topic),
		Payload: payload,
	}
	if msg.Timestamp > 0 {
		event.Timestamp = time.Unix(0, msg.Timestamp)
	}

	if _, err := w.recorder.Record(ctx, event); err != nil {
		w.failed.Add(1)
		slog.Error("failed to record event",
			"message_id", msg.ID,
			"type", event.Type,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Debug("event recorded", "message_id", msg.ID, "type", event.Type)
	return nil
}

// Stop unsubscribes from every topic.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
