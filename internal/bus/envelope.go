// Package bus carries batch submissions and run events between billguard
// components, in process over channels or across instances over NATS.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/billguard/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")
	// ErrBackpressure is returned when a subscriber's buffer is full and the
	// message could not be delivered to it.
	ErrBackpressure = errors.New("subscriber buffer full")
	// ErrTenantRequired is returned for publishes and subscriptions without
	// a tenant.
	ErrTenantRequired = errors.New("tenantID is required")
	// ErrPayloadTooLarge is returned when an encoded message exceeds what
	// the transport accepts.
	ErrPayloadTooLarge = errors.New("message exceeds transport payload limit")
)

// New builds the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		if cfg.ChannelBufferSize < 0 {
			return nil, fmt.Errorf("channel buffer size must not be negative, got %d", cfg.ChannelBufferSize)
		}
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		if g := cfg.NATSQueueGroup; g != "" && subjectToken(g) != g {
			return nil, fmt.Errorf("NATS queue group %q must be a single subject token", g)
		}
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func checkRoute(tenantID, topic string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// newMessage wraps payload in an envelope carrying the caller's trace
// context, so the consumer's spans join the publisher's trace.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) (*domain.Message, error) {
	if err := checkRoute(tenantID, topic); err != nil {
		return nil, err
	}
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg, nil
}

// deliver runs handler under the publisher's trace context. Errors and
// panics are logged and returned; the subscription keeps running.
func deliver(base context.Context, handler domain.MessageHandler, msg *domain.Message) (err error) {
	ctx := otel.GetTextMapPropagator().Extract(base, propagation.MapCarrier(msg.Metadata))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			slog.Error("handler error",
				"topic", msg.Topic,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}()
	return handler(ctx, msg)
}
