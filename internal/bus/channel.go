package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/billguard/internal/domain"
)

// ChannelBus delivers messages in process. Each subscription owns a
// buffered channel and one goroutine, so a slow handler only delays its
// own messages.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[route][]*channelSubscription
	closed     bool
	running    sync.WaitGroup
}

// route addresses the subscribers of one topic within one tenant.
type route struct {
	tenant string
	topic  string
}

type channelSubscription struct {
	route
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus whose subscribers each buffer up to
// bufferSize messages. Non-positive sizes fall back to 1000.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[route][]*channelSubscription),
	}
}

// Publish hands msg to every subscriber of the topic without blocking.
// Subscribers whose buffer is full miss the message, and the call then
// reports ErrBackpressure.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	dropped := 0
	for _, sub := range b.routes[route{tenantID, topic}] {
		select {
		case sub.msgCh <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d subscribers on %s", ErrBackpressure, dropped, topic)
	}
	return nil
}

// Subscribe starts delivering the tenant's messages on topic to handler.
// Handlers run until Unsubscribe, ctx cancellation or Close.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkRoute(tenantID, topic); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		route:   route{tenantID, topic},
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.routes[sub.route] = append(b.routes[sub.route], sub)

	b.running.Add(1)
	go b.consume(sub)
	return sub, nil
}

func (b *ChannelBus) consume(sub *channelSubscription) {
	defer b.running.Done()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-sub.msgCh:
			if !ok {
				return
			}
			_ = deliver(sub.ctx, sub.handler, msg)
		}
	}
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops accepting messages and waits until every subscriber has
// handled what was already buffered. Handlers may still publish while
// draining; those publishes fail with ErrClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*channelSubscription
	for _, rs := range b.routes {
		for _, sub := range rs {
			close(sub.msgCh)
			subs = append(subs, sub)
		}
	}
	b.routes = make(map[route][]*channelSubscription)
	b.mu.Unlock()

	b.running.Wait()
	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[sub.route]
	for i, s := range subs {
		if s == sub {
			b.routes[sub.route] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.routes[sub.route]) == 0 {
		delete(b.routes, sub.route)
	}
}

// Unsubscribe stops delivery at once. Buffered messages are discarded.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
