package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/infrastructure/mqtt"
)

// taskQoS is fixed at 1: a task message must reach a worker at least once.
const taskQoS = 1

// MQTTClient is the subset of *mqtt.Client used by MQTTBroker.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTBroker carries task messages between processes. Workers consume
// through a shared subscription so each message reaches one worker.
//
// The consuming client must be connected with mqtt.WithConcurrentHandlers,
// since deliver blocks until a pool slot is free.
type MQTTBroker struct {
	client MQTTClient
	logger *logging.Logger
}

// NewMQTTBroker creates a broker on client.
func NewMQTTBroker(client MQTTClient, logger *logging.Logger) *MQTTBroker {
	return &MQTTBroker{client: client, logger: logger}
}

// Publish implements Broker.
func (b *MQTTBroker) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mqtt.ValidateSegment(msg.Queue); err != nil {
		return fmt.Errorf("queue %q: %w", msg.Queue, err)
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(mqtt.Topics{}.TaskQueue(msg.Queue), payload, taskQoS, false); err != nil {
		return fmt.Errorf("publishing task %s: %w", msg.ID, err)
	}
	return nil
}

// Consume implements Broker.
func (b *MQTTBroker) Consume(ctx context.Context, queues []string, deliver DeliverFunc) error {
	topics := make([]string, 0, len(queues))
	for _, q := range queues {
		if err := mqtt.ValidateSegment(q); err != nil {
			return fmt.Errorf("queue %q: %w", q, err)
		}
		topic := mqtt.Topics{}.SharedTaskQueue(q)
		err := b.client.Subscribe(topic, taskQoS, func(_ string, payload []byte) error {
			msg, err := DecodeMessage(payload)
			if err != nil {
				return err
			}
			deliver(ctx, msg)
			return nil
		})
		if err != nil {
			b.unsubscribe(topics)
			return fmt.Errorf("consuming %s: %w", q, err)
		}
		topics = append(topics, topic)
		b.logger.Info("consuming task queue", "queue", q, "topic", topic)
	}

	<-ctx.Done()
	b.unsubscribe(topics)
	return nil
}

func (b *MQTTBroker) unsubscribe(topics []string) {
	for _, topic := range topics {
		if err := b.client.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Warn("unsubscribing task queue failed", "topic", topic, "error", err)
		}
	}
}
