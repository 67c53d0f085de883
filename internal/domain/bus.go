package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (single node) or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl"`
	NATSToken         string `json:"-" yaml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances each topic across nodes sharing the group.
	// Empty means every node receives every message.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"natsQueueGroup"`
}

// Engine event topics. The worker records each as an analytics event.
const (
	TopicPriceEvaluated     = "kestrel.price.evaluated"
	TopicRuleChanged        = "kestrel.rule.changed"
	TopicExperimentAssigned = "kestrel.experiment.assigned"
	TopicExperimentOutcome  = "kestrel.experiment.outcome"
	TopicExperimentPaused   = "kestrel.experiment.paused"
)

const topicPrefix = "kestrel."

// EngineTopics lists every topic the engine publishes.
func EngineTopics() []string {
	return []string{
		TopicPriceEvaluated,
		TopicRuleChanged,
		TopicExperimentAssigned,
		TopicExperimentOutcome,
		TopicExperimentPaused,
	}
}

// EventType maps a topic to the analytics event type ("kestrel.price.evaluated" -> "price.evaluated").
func EventType(topic string) string {
	if len(topic) > len(topicPrefix) && topic[:len(topicPrefix)] == topicPrefix {
		return topic[len(topicPrefix):]
	}
	return topic
}
