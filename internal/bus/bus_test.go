package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("IngestedTransactionDelivered", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		time.Sleep(10 * time.Millisecond)

		payload, _ := json.Marshal(map[string]any{
			"txId":   "tx-42",
			"record": map[string]any{"transactionAmount": 98.55},
		})
		if err := bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}
		var decoded struct {
			TxID string `json:"txId"`
		}
		if err := json.Unmarshal(receivedMsg.Payload, &decoded); err != nil {
			t.Fatalf("payload did not round-trip: %v", err)
		}
		if decoded.TxID != "tx-42" {
			t.Errorf("expected txId 'tx-42', got '%s'", decoded.TxID)
		}
		if receivedMsg.TenantID != tenantID {
			t.Errorf("expected tenantID '%s', got '%s'", tenantID, receivedMsg.TenantID)
		}
		if receivedMsg.Topic != domain.TopicTransactionIngested {
			t.Errorf("unexpected topic '%s'", receivedMsg.Topic)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		// A prediction published for one tenant must never reach
		// another tenant's subscriber.
		var received1, received2 atomic.Int32

		bus.Subscribe(ctx, "tenant-001", domain.TopicPrediction, func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "tenant-002", domain.TopicPrediction, func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "tenant-001", domain.TopicPrediction, []byte(`{"is_fraud":true}`))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("tenant-001 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("tenant-002 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", domain.TopicPrediction, []byte("data")); err == nil {
			t.Error("expected error for empty tenantID")
		}
		_, err := bus.Subscribe(ctx, "", domain.TopicPrediction, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, domain.TopicAlert, []byte(`{"policyId":"p1"}`))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, domain.TopicAlert, []byte(`{"policyId":"p2"}`))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("PredictionFansOutToAllSubscribers", func(t *testing.T) {
		// In-process delivery is broadcast: an alerting consumer and a
		// dashboard consumer both see every prediction.
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, tenantID, "fanout.prediction", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, tenantID, "fanout.prediction", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, tenantID, "fanout.prediction", []byte(`{}`))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != domain.TopicAlert {
			t.Errorf("expected topic '%s', got '%s'", domain.TopicAlert, sub.Topic())
		}
	})
}

func TestChannelBusBackpressureDrops(t *testing.T) {
	// A subscriber that cannot keep up loses messages rather than
	// blocking the publisher, and every loss is counted.
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-slow"

	block := make(chan struct{})
	bus.Subscribe(ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		<-block
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 4; i++ {
		bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, []byte(`{}`))
	}
	close(block)

	if bus.Dropped() == 0 {
		t.Error("expected dropped messages with a blocked subscriber and buffer size 1")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "tenant-001"

	bus.Subscribe(ctx, tenantID, domain.TopicPrediction, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, tenantID, domain.TopicPrediction, []byte("data")); err == nil {
		t.Error("expected error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}
		if _, err := New(cfg); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, tenantID, domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, tenantID, domain.TopicTransactionIngested, []byte(`{"txId":"tx"}`))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
		if bus.Dropped() != 0 {
			t.Errorf("expected no drops under buffered load, got %d", bus.Dropped())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}
