package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg atomic.Pointer[domain.Message]

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicPriceEvaluated, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg.Store(msg)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicPriceEvaluated, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg, time.Second)

		msg := receivedMsg.Load()
		if string(msg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
		}
		if msg.Topic != domain.TopicPriceEvaluated {
			t.Errorf("expected topic %s, got %s", domain.TopicPriceEvaluated, msg.Topic)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Error("expected message id and timestamp to be set")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var rules, experiments atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, domain.TopicRuleChanged, func(ctx context.Context, msg *domain.Message) error {
			rules.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, domain.TopicExperimentPaused, func(ctx context.Context, msg *domain.Message) error {
			experiments.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicRuleChanged, []byte("msg1"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if rules.Load() != 1 {
			t.Errorf("rule subscriber should receive 1 message, got %d", rules.Load())
		}
		if experiments.Load() != 0 {
			t.Errorf("experiment subscriber should receive 0 messages, got %d", experiments.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe failed: %v", err)
		}

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(2)

		for i := 0; i < 2; i++ {
			bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				wg.Done()
				return nil
			})
		}

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		waitFor(t, &wg, time.Second)

		if count.Load() != 2 {
			t.Errorf("expected 2 deliveries, got %d", count.Load())
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if _, err := bus.Subscribe(ctx, "close.topic", nil); err == nil {
		t.Error("expected subscribe error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	block := make(chan struct{})
	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-block
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := bus.Publish(ctx, "slow.topic", []byte("x")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	close(block)

	if bus.Dropped() == 0 {
		t.Error("expected at least one dropped delivery")
	}
}

func TestPublishJSON(t *testing.T) {
	ctx := context.Background()

	t.Run("NilBus", func(t *testing.T) {
		if err := PublishJSON(ctx, nil, "any.topic", map[string]string{"a": "b"}); err != nil {
			t.Errorf("expected nil bus to be a no-op, got %v", err)
		}
	})

	t.Run("Encodes", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		got := make(chan []byte, 1)
		bus.Subscribe(ctx, "json.topic", func(ctx context.Context, msg *domain.Message) error {
			got <- msg.Payload
			return nil
		})

		if err := PublishJSON(ctx, bus, "json.topic", map[string]any{"ruleId": "r1"}); err != nil {
			t.Fatalf("PublishJSON failed: %v", err)
		}

		select {
		case payload := <-got:
			var decoded map[string]any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if decoded["ruleId"] != "r1" {
				t.Errorf("unexpected payload: %v", decoded)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	waitFor(t, &wg, 5*time.Second)

	if received.Load() != messageCount {
		t.Errorf("expected %d messages, got %d", messageCount, received.Load())
	}
}

func TestNATSEnvelope(t *testing.T) {
	t.Run("HeadersCarryEnvelope", func(t *testing.T) {
		in := &domain.Message{
			ID:        "msg-1",
			Topic:     domain.TopicRuleChanged,
			Payload:   []byte(`{"ruleId":"r1"}`),
			Metadata:  map[string]string{"trace": "abc"},
			Timestamp: 1700000000000000000,
		}

		m := encodeMessage(in)
		if string(m.Data) != `{"ruleId":"r1"}` {
			t.Errorf("expected raw payload body, got %s", m.Data)
		}

		out := decodeMessage(m)
		if out.ID != "msg-1" || out.Timestamp != in.Timestamp || out.Topic != in.Topic {
			t.Errorf("unexpected envelope %+v", out)
		}
		if out.Metadata["trace"] != "abc" {
			t.Errorf("expected metadata to survive, got %v", out.Metadata)
		}
	})

	t.Run("ForeignPublisher", func(t *testing.T) {
		m := nats.NewMsg("kestrel.price.evaluated")
		m.Header = nil
		m.Data = []byte(`{}`)

		out := decodeMessage(m)
		if out.ID == "" || out.Timestamp == 0 {
			t.Errorf("expected generated id and timestamp, got %+v", out)
		}
	})
}
