package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/infrastructure/mqtt"
)

// MQTTPublishClient is the subset of *mqtt.Client used by MQTTPublisher.
type MQTTPublishClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	QoS() byte
}

// MQTTSubscribeClient is the subset of *mqtt.Client used by MQTTRelay.
type MQTTSubscribeClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	QoS() byte
}

// MQTTPublisher publishes group events to the broker for a gateway's
// MQTTRelay to pick up.
type MQTTPublisher struct {
	client MQTTPublishClient
}

// NewMQTTPublisher creates a publisher on client.
func NewMQTTPublisher(client MQTTPublishClient) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

// Publish encodes event as JSON and publishes it to the group's topic.
func (p *MQTTPublisher) Publish(ctx context.Context, group string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mqtt.ValidateSegment(group); err != nil {
		return fmt.Errorf("group %q: %w", group, err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event for group %s: %w", group, err)
	}
	return p.client.Publish(mqtt.Topics{}.GroupEvents(group), payload, p.client.QoS(), false)
}

// MQTTRelay feeds group events from the broker into a local Hub.
type MQTTRelay struct {
	client MQTTSubscribeClient
	hub    *Hub
	logger *logging.Logger
}

// NewMQTTRelay creates a relay from client into hub.
func NewMQTTRelay(client MQTTSubscribeClient, hub *Hub, logger *logging.Logger) *MQTTRelay {
	return &MQTTRelay{client: client, hub: hub, logger: logger}
}

// Start subscribes to every group topic. The subscription is restored by
// the client after a reconnect.
func (r *MQTTRelay) Start() error {
	topic := mqtt.Topics{}.AllGroupEvents()
	r.logger.Info("relaying group events from mqtt", "topic", topic)
	if err := r.client.Subscribe(topic, r.client.QoS(), r.handle); err != nil {
		return fmt.Errorf("subscribing to group events: %w", err)
	}
	return nil
}

// Stop removes the subscription.
func (r *MQTTRelay) Stop() error {
	return r.client.Unsubscribe(mqtt.Topics{}.AllGroupEvents())
}

func (r *MQTTRelay) handle(topic string, payload []byte) error {
	group, ok := mqtt.GroupFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected group topic %q", topic)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("group %s: payload is not valid JSON", group)
	}
	r.hub.Broadcast(group, payload)
	return nil
}
