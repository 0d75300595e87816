// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	errTenantRequired = errors.New("tenantID is required")
	errBusClosed      = errors.New("bus is closed")
	errNoReplyTo      = errors.New("message was not sent with Request")
)

// ChannelBus is the in-process event bus of the Community tier. Delivery is
// at-most-once: a subscriber whose buffer is full misses the message.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[subKey][]*channelSubscription
	closed     bool
}

type subKey struct {
	tenant string
	topic  string
}

type channelSubscription struct {
	key     subKey
	handler domain.MessageHandler
	queue   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a bus whose subscribers each queue up to
// bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[subKey][]*channelSubscription),
	}
}

// Publish queues the message for the tenant's subscribers and for
// all-tenant subscribers of the topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.publish(msg)
}

func (b *ChannelBus) publish(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}

	targets := [...]subKey{{msg.TenantID, msg.Topic}, {domain.AllTenants, msg.Topic}}
	for _, key := range targets {
		for _, sub := range b.subs[key] {
			select {
			case sub.queue <- msg:
			default:
				slog.Warn("subscriber queue full, message dropped",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"message_id", msg.ID,
				)
			}
		}
	}
	return nil
}

// Subscribe starts a goroutine that hands each queued message to handler.
// The subscription ends with Unsubscribe, Close or cancellation of ctx.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		key:     subKey{tenantID, topic},
		handler: handler,
		queue:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.subs[sub.key] = append(b.subs[sub.key], sub)

	go sub.run()
	return sub, nil
}

// Request publishes with a private reply topic and waits for the first
// Respond to it. Without a deadline on ctx the wait is bounded by
// defaultRequestTimeout.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	msg, err := newMessage(ctx, tenantID, topic, payload)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	replyTopic := topic + ".reply." + uuid.NewString()
	msg.Metadata[domain.MetaReplyTo] = replyTopic

	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(_ context.Context, reply *domain.Message) error {
		select {
		case replies <- reply.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request on %s: %w", topic, ctx.Err())
	}
}

// Respond answers a message received through Request.
func (b *ChannelBus) Respond(ctx context.Context, req *domain.Message, payload []byte) error {
	replyTo := req.Metadata[domain.MetaReplyTo]
	if replyTo == "" {
		return errNoReplyTo
	}
	return b.Publish(ctx, req.TenantID, replyTo, payload)
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Messages still queued are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	clear(b.subs)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := slices.DeleteFunc(b.subs[sub.key], func(s *channelSubscription) bool { return s == sub })
	if len(subs) == 0 {
		delete(b.subs, sub.key)
		return
	}
	b.subs[sub.key] = subs
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

func (s *channelSubscription) handle(msg *domain.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panicked",
				"topic", msg.Topic,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	if err := s.handler(s.ctx, msg); err != nil {
		slog.Error("handler error",
			"topic", msg.Topic,
			"tenant_id", msg.TenantID,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.key.topic
}
