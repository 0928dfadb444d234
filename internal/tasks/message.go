package tasks

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Queue names.
const (
	QueueIO  = "io_queue"
	QueueCPU = "cpu_queue"
)

// Routes maps each task name to the queue it is published on.
var Routes = map[string]string{
	StreamingTaskName: QueueIO,
	PeriodicTaskName:  QueueCPU,
}

// Message is a unit of work on a queue. Retries reuse the ID.
type Message struct {
	ID         string    `cbor:"1,keyasint" json:"id"`
	Name       string    `cbor:"2,keyasint" json:"name"`
	Queue      string    `cbor:"3,keyasint" json:"queue"`
	Attempt    int       `cbor:"4,keyasint" json:"attempt"`
	UserID     string    `cbor:"5,keyasint,omitempty" json:"user_id,omitempty"`
	EnqueuedAt time.Time `cbor:"6,keyasint" json:"enqueued_at"`
	ETA        time.Time `cbor:"7,keyasint" json:"eta,omitzero"`
}

// NewMessage creates a first-attempt message with a fresh ID.
func NewMessage(name, queue string) Message {
	return Message{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queue,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Retry returns the message for the next attempt, due at eta.
func (m Message) Retry(eta time.Time) Message {
	next := m
	next.Attempt++
	next.ETA = eta.UTC()
	return next
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode returns the CBOR wire form of m.
func (m Message) Encode() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding task message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses the CBOR wire form produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding task message: %w", err)
	}
	if m.ID == "" || m.Name == "" {
		return Message{}, fmt.Errorf("decoding task message: missing id or name")
	}
	return m, nil
}
