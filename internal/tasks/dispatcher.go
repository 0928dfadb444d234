package tasks

import (
	"context"
	"fmt"
)

// Dispatcher is the producer side: it records a task as pending and
// publishes it to the queue its name is routed to.
type Dispatcher struct {
	broker  Broker
	results ResultStore
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(broker Broker, results ResultStore) *Dispatcher {
	return &Dispatcher{broker: broker, results: results}
}

// Dispatch enqueues a first attempt of the named task on behalf of userID.
func (d *Dispatcher) Dispatch(ctx context.Context, name, userID string) (Message, error) {
	queue, ok := Routes[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	msg := NewMessage(name, queue)
	msg.UserID = userID

	if err := d.results.Pending(ctx, msg); err != nil {
		return Message{}, err
	}
	if err := d.broker.Publish(ctx, msg); err != nil {
		if ferr := d.results.Failed(ctx, msg.ID, err); ferr != nil {
			return Message{}, fmt.Errorf("dispatching %s: %w (recording failure: %v)", name, err, ferr)
		}
		return Message{}, fmt.Errorf("dispatching %s: %w", name, err)
	}
	return msg, nil
}

// Result returns the latest state of a task.
func (d *Dispatcher) Result(ctx context.Context, id string) (*Result, error) {
	return d.results.Get(ctx, id)
}
