package tasks

import (
	"testing"
	"time"
)

func TestMessage_EncodeDecode(t *testing.T) {
	msg := NewMessage(StreamingTaskName, QueueIO)
	msg.UserID = "usr-1234"
	msg = msg.Retry(time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC))

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if got.ID != msg.ID || got.Name != msg.Name || got.Queue != msg.Queue || got.UserID != msg.UserID {
		t.Errorf("decoded = %+v, want %+v", got, msg)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	if !got.ETA.Equal(msg.ETA) || !got.EnqueuedAt.Equal(msg.EnqueuedAt) {
		t.Errorf("times = (%v, %v), want (%v, %v)", got.ETA, got.EnqueuedAt, msg.ETA, msg.EnqueuedAt)
	}
}

func TestMessage_RetryKeepsIdentity(t *testing.T) {
	first := NewMessage(StreamingTaskName, QueueIO)
	eta := time.Now().Add(time.Minute)

	second := first.Retry(eta)
	third := second.Retry(eta)

	if second.ID != first.ID || third.ID != first.ID {
		t.Error("retries must keep the task ID")
	}
	if first.Attempt != 0 || second.Attempt != 1 || third.Attempt != 2 {
		t.Errorf("attempts = %d, %d, %d", first.Attempt, second.Attempt, third.Attempt)
	}
}

func TestDecodeMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not cbor")},
		{"empty map", []byte{0xa0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); err == nil {
				t.Error("DecodeMessage() should fail")
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	if Routes[StreamingTaskName] != QueueIO {
		t.Errorf("streaming task routed to %q", Routes[StreamingTaskName])
	}
	if Routes[PeriodicTaskName] != QueueCPU {
		t.Errorf("periodic task routed to %q", Routes[PeriodicTaskName])
	}
}
