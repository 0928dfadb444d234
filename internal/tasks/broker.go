package tasks

import (
	"context"
	"sync"
)

// DeliverFunc hands a consumed message to the worker. It blocks until the
// worker accepts the message or ctx ends.
type DeliverFunc func(ctx context.Context, msg Message)

// Broker carries task messages from producers to workers.
type Broker interface {
	Publish(ctx context.Context, msg Message) error

	// Consume delivers messages from queues until ctx ends. Each message
	// is delivered to exactly one consumer.
	Consume(ctx context.Context, queues []string, deliver DeliverFunc) error
}

const defaultMemoryQueueSize = 1024

// MemoryBroker is a Broker for a worker embedded in the gateway process.
type MemoryBroker struct {
	size int

	mu     sync.Mutex
	queues map[string]chan Message
}

// NewMemoryBroker creates a broker whose queues buffer size messages.
// size <= 0 selects the default.
func NewMemoryBroker(size int) *MemoryBroker {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryBroker{size: size, queues: make(map[string]chan Message)}
}

func (b *MemoryBroker) queue(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, b.size)
		b.queues[name] = q
	}
	return q
}

// Publish implements Broker. It blocks while the queue is full.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	select {
	case b.queue(msg.Queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Broker.
func (b *MemoryBroker) Consume(ctx context.Context, queues []string, deliver DeliverFunc) error {
	var wg sync.WaitGroup
	for _, name := range queues {
		q := b.queue(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case msg := <-q:
					deliver(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Len returns the number of messages waiting on queue.
func (b *MemoryBroker) Len(queue string) int {
	return len(b.queue(queue))
}
