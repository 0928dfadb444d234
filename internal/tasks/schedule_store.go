package tasks

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var (
	bucketDelayed = []byte("delayed")
	bucketBeat    = []byte("beat")
)

// ScheduleStore persists messages waiting for their ETA and the last run
// time of each periodic beat.
type ScheduleStore interface {
	Add(msg Message, eta time.Time) error
	// TakeDue removes and returns up to limit messages due at or before now,
	// earliest first.
	TakeDue(now time.Time, limit int) ([]Message, error)
	Pending() (int, error)
	LastRun(name string) (time.Time, bool, error)
	SetLastRun(name string, at time.Time) error
	Close() error
}

type beatRecord struct {
	LastRun time.Time `cbor:"1,keyasint"`
}

// BoltScheduleStore implements ScheduleStore in a bbolt file. Delayed
// messages are keyed by big-endian ETA nanoseconds followed by the task ID,
// so a cursor walks them in due order.
type BoltScheduleStore struct {
	db *bbolt.DB
}

// OpenScheduleStore opens or creates the schedule file at path.
func OpenScheduleStore(path string) (*BoltScheduleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating schedule directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening schedule store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketDelayed, bucketBeat} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising schedule store: %w", err)
	}

	return &BoltScheduleStore{db: db}, nil
}

func delayedKey(eta time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(eta.UnixNano())) //nolint:gosec // ETAs are after 1970
	return append(key, id...)
}

// Add implements ScheduleStore.
func (s *BoltScheduleStore) Add(msg Message, eta time.Time) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDelayed).Put(delayedKey(eta, msg.ID), data)
	})
}

// TakeDue implements ScheduleStore. Records that fail to decode are
// removed and skipped.
func (s *BoltScheduleStore) TakeDue(now time.Time, limit int) ([]Message, error) {
	var due []Message
	cutoff := uint64(now.UnixNano()) //nolint:gosec // see delayedKey

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDelayed)
		c := b.Cursor()

		var keys [][]byte
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			if len(k) < 8 || binary.BigEndian.Uint64(k[:8]) > cutoff {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
			if msg, err := DecodeMessage(v); err == nil {
				due = append(due, msg)
			}
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taking due messages: %w", err)
	}
	return due, nil
}

// Pending implements ScheduleStore.
func (s *BoltScheduleStore) Pending() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDelayed).Stats().KeyN
		return nil
	})
	return n, err
}

// LastRun implements ScheduleStore.
func (s *BoltScheduleStore) LastRun(name string) (time.Time, bool, error) {
	var (
		rec   beatRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBeat).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(data, &rec)
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading beat %s: %w", name, err)
	}
	return rec.LastRun, found, nil
}

// SetLastRun implements ScheduleStore.
func (s *BoltScheduleStore) SetLastRun(name string, at time.Time) error {
	data, err := encMode.Marshal(beatRecord{LastRun: at.UTC()})
	if err != nil {
		return fmt.Errorf("encoding beat %s: %w", name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBeat).Put([]byte(name), data)
	})
}

// Close closes the bbolt file.
func (s *BoltScheduleStore) Close() error {
	return s.db.Close()
}
