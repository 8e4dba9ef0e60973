package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/billguard/internal/domain"
)

// drainTimeout bounds how long Close waits for in-flight handlers.
const drainTimeout = 30 * time.Second

// NATSBus spreads messages across billguard instances. Subjects are
// "<topic>.<tenant>", and instances sharing a queue group split the load.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
	closed     chan struct{}
	closeOnce  sync.Once
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, trying up to NATSMaxReconnects times
// NATSReconnectWait seconds apart. The same settings govern reconnects once
// connected.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}

	b := &NATSBus{
		queueGroup: cfg.NATSQueueGroup,
		closed:     make(chan struct{}),
	}

	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	var err error
	for attempt := 1; ; attempt++ {
		b.conn, err = nats.Connect(cfg.NATSUrl, b.options(cfg, wait)...)
		if err == nil {
			break
		}
		if attempt == cfg.NATSMaxReconnects {
			return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(wait)
	}

	slog.Info("NATS connected",
		"url", b.conn.ConnectedUrl(),
		"server_id", b.conn.ConnectedServerId(),
		"max_payload", b.conn.MaxPayload(),
	)
	return b, nil
}

func (b *NATSBus) options(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	name := "billguard"
	if cfg.NATSQueueGroup != "" {
		name += "-" + cfg.NATSQueueGroup
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		// Batches are large; buffer enough to ride out a short outage.
		nats.ReconnectBufSize(8 << 20),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
			b.closeOnce.Do(func() { close(b.closed) })
		}),
		nats.ErrorHandler(natsErrorHandler),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// natsErrorHandler logs asynchronous NATS errors. Connection-level errors
// arrive without a subscription.
func natsErrorHandler(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	slog.Error("NATS error",
		"error", err,
		"subject", subject,
	)
}

// Publish encodes the envelope as JSON. Envelopes above the server's
// max_payload are refused up front with ErrPayloadTooLarge.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if limit := b.conn.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%w: %s is %d bytes, server accepts %d", ErrPayloadTooLarge, topic, len(data), limit)
	}

	if err := b.conn.Publish(makeSubject(tenantID, topic), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers the tenant's messages on topic to handler. With a
// queue group configured each message reaches one instance of the group.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkRoute(tenantID, topic); err != nil {
		return nil, err
	}

	subject := makeSubject(tenantID, topic)
	cb := func(m *nats.Msg) {
		msg, err := decodeEnvelope(m.Data, tenantID)
		if err != nil {
			slog.Error("dropping NATS message",
				"subject", m.Subject,
				"error", err,
			)
			return
		}
		_ = deliver(ctx, handler, msg)
	}

	var natsSub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		natsSub, err = b.conn.QueueSubscribe(subject, b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &natsSubscription{topic: topic, sub: natsSub}, nil
}

// decodeEnvelope parses a message and checks it belongs to tenantID. A
// tenant sanitised into the same subject token as another must not see
// the other's messages.
func decodeEnvelope(data []byte, tenantID string) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if msg.TenantID != tenantID {
		return nil, fmt.Errorf("message for tenant %q on subject of %q", msg.TenantID, tenantID)
	}
	return &msg, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so handlers finish the messages they already
// received, then waits up to drainTimeout for the connection to close.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		b.conn.Close()
		return fmt.Errorf("NATS drain: %w", err)
	}

	select {
	case <-b.closed:
	case <-time.After(drainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// makeSubject appends the tenant as the last subject token, so
// "billguard.batch.submitted.>" observes a topic across tenants.
func makeSubject(tenantID, topic string) string {
	return topic + "." + subjectToken(tenantID)
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectToken makes a tenant ID safe to use as one NATS subject token.
func subjectToken(s string) string {
	return subjectReplacer.Replace(s)
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
