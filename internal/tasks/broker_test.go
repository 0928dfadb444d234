package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/infrastructure/mqtt"
)

func TestMemoryBroker_PublishConsume(t *testing.T) {
	b := NewMemoryBroker(4)
	msg := NewMessage(StreamingTaskName, QueueIO)
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, []string{QueueIO}, func(_ context.Context, m Message) { got <- m })
	}()

	select {
	case m := <-got:
		if m.ID != msg.ID {
			t.Errorf("consumed %s, want %s", m.ID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("message not consumed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Consume() error = %v", err)
	}
}

func TestMemoryBroker_PublishBlocksWhenFull(t *testing.T) {
	b := NewMemoryBroker(1)
	if err := b.Publish(context.Background(), NewMessage(StreamingTaskName, QueueIO)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, NewMessage(StreamingTaskName, QueueIO)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() error = %v, want DeadlineExceeded", err)
	}
}

// fakeMQTT records publishes and lets tests inject messages into
// subscriptions.
type fakeMQTT struct {
	mu           sync.Mutex
	published    map[string][]byte
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{published: make(map[string][]byte), handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = payload
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeMQTT) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func TestMQTTBroker_RoundTrip(t *testing.T) {
	client := newFakeMQTT()
	b := NewMQTTBroker(client, logging.Discard())

	msg := NewMessage(StreamingTaskName, QueueIO)
	if err := b.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	payload, ok := client.published["keyrelay/tasks/io_queue"]
	if !ok {
		t.Fatalf("nothing published to the io_queue topic: %v", client.published)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, []string{QueueIO}, func(_ context.Context, m Message) { got <- m })
	}()

	shared := "$share/keyrelay-workers/keyrelay/tasks/io_queue"
	waitFor(t, time.Second, func() bool { return client.handler(shared) != nil })

	if err := client.handler(shared)("keyrelay/tasks/io_queue", payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if m := <-got; m.ID != msg.ID {
		t.Errorf("consumed %s, want %s", m.ID, msg.ID)
	}
	if err := client.handler(shared)("keyrelay/tasks/io_queue", []byte("junk")); err == nil {
		t.Error("undecodable payload should return an error")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Consume() error = %v", err)
	}
	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != shared {
		t.Errorf("unsubscribed = %v", client.unsubscribed)
	}
}

func TestMQTTBroker_RejectsBadQueue(t *testing.T) {
	b := NewMQTTBroker(newFakeMQTT(), logging.Discard())
	msg := NewMessage(StreamingTaskName, "io/queue")

	if err := b.Publish(context.Background(), msg); !errors.Is(err, mqtt.ErrInvalidSegment) {
		t.Errorf("Publish() error = %v, want ErrInvalidSegment", err)
	}
	if err := b.Consume(context.Background(), []string{"#"}, nil); !errors.Is(err, mqtt.ErrInvalidSegment) {
		t.Errorf("Consume() error = %v, want ErrInvalidSegment", err)
	}
}
