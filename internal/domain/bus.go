package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

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
	TenantID  string            `json:"tenantId"`
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

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances subscribers that share it across
	// billguard instances. Empty means every instance sees every message.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"nats_queue_group"`
}

// Standard topic names for the validation pipeline.
const (
	TopicBatchSubmitted      = "billguard.batch.submitted"
	TopicValidationCompleted = "billguard.validation.completed"
	TopicAlertImmediate      = "billguard.alert.immediate"
	TopicAlertReview         = "billguard.alert.review"
)
