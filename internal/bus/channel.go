// Package bus provides event bus implementations for Kestrel's
// scoring pipeline. The Community tier runs on in-process channels;
// the Pro tier runs on NATS so scoring can fan out across instances.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus.
type ChannelBus struct {
	mu          sync.RWMutex
	bufferSize  int
	subscribers map[string][]*channelSub
	dropped     atomic.Uint64
	closed      bool
}

type channelSub struct {
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	inbox    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus. The buffer size
// bounds how far each subscriber may fall behind before messages drop.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:  bufferSize,
		subscribers: make(map[string][]*channelSub),
	}
}

// Publish sends a message to every subscriber of the tenant's topic.
// Delivery is non-blocking: a subscriber whose inbox is full loses the
// message, and the drop is counted. For the ingest topic a drop means
// a transaction that never gets scored, so drops are never silent.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.subscribers[subKey(tenantID, topic)]
	b.mu.RUnlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			metrics.BusDropped.WithLabelValues(topic).Inc()
			slog.Warn("bus subscriber backlogged, message dropped",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}

	return nil
}

// Subscribe registers a handler for a tenant's topic. Each
// subscription gets its own inbox and goroutine, so one slow policy
// consumer cannot stall the prediction stream.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSub{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		inbox:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
	}

	go sub.run()

	key := subKey(tenantID, topic)
	b.subscribers[key] = append(b.subscribers[key], sub)

	return sub, nil
}

func (s *channelSub) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if msg == nil {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("bus handler failed",
					"tenant_id", s.tenantID,
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request implements request-reply over a per-call reply topic.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("request timeout")
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Dropped reports how many messages were lost to full inboxes since
// the bus was created.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and cancels all subscriptions.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.cancel()
			close(sub.inbox)
		}
	}

	b.subscribers = make(map[string][]*channelSub)
	return nil
}

func subKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops receiving messages.
func (s *channelSub) Unsubscribe() error {
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSub) Topic() string {
	return s.topic
}
