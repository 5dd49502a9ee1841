package boxproxy

//
// Durable queue: bounded, ordered, disk-backed buffer of BOX-origin
// frames awaiting cloud delivery (spec §4.2).
//

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.etcd.io/bbolt"
)

// framesBucket is the single bbolt bucket holding queue entries.
var framesBucket = []byte("frames")

// Entry is a durable record holding one BOX-origin frame awaiting cloud
// delivery (spec §3 "Queued entry").
type Entry struct {
	ID         uint64
	EnqueuedAt time.Time
	NotBefore  time.Time
	Retries    int
	Raw        []byte
	Class      FrameClass
}

// QueueConfig configures a [Queue].
type QueueConfig struct {
	// Path is the bbolt database file path.
	Path string

	// MaxEntries bounds the queue's cardinality (spec default: 10000).
	MaxEntries int

	// RetryCeiling is the number of deferrals before an entry is
	// dropped with reason "exhausted" (spec default: 10).
	RetryCeiling int
}

// DefaultQueueConfig returns the spec's documented defaults.
func DefaultQueueConfig(path string) QueueConfig {
	return QueueConfig{
		Path:         path,
		MaxEntries:   10000,
		RetryCeiling: 10,
	}
}

// Queue is a bounded, ordered, persistent FIFO of raw frame bytes tagged
// with metadata for retry back-off (spec §4.2).
//
// Queue is safe for concurrent use: every operation runs inside its own
// bbolt transaction, and bbolt serializes writers internally.
type Queue struct {
	db       *bbolt.DB
	cfg      QueueConfig
	logger   Logger
	counters *Counters
}

// neverEnqueueClasses lists frame classes that are never durably
// enqueued: END frames exist only to tear down the connection, the
// cloud does not ACK them, and queuing them would waste slots and
// perpetually re-trigger replay (spec §4.2 "Policy").
var neverEnqueueClasses = map[FrameClass]bool{
	ClassEnd: true,
}

// OpenQueue opens (creating if necessary) the durable queue at
// cfg.Path, rehydrating entries with their original enqueue timestamps.
//
// A corrupt tail record is truncated with a logged warning rather than
// failing startup, resolving the open question in spec §9 in favor of
// the safer choice the spec itself recommends.
func OpenQueue(cfg QueueConfig, logger Logger, counters *Counters) (*Queue, error) {
	db, err := bbolt.Open(cfg.Path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boxproxy: opening queue file: %w", err)
	}

	q := &Queue{db: db, cfg: cfg, logger: logger, counters: counters}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(framesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	if err := q.rehydrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// rehydrate scans the bucket once at startup, truncating at the first
// record that fails to decode.
func (q *Queue) rehydrate() error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if _, err := decodeEntry(v); err != nil {
				q.logger.Warnf("boxproxy: queue: truncating corrupt tail record at key %x: %s", k, err.Error())
				return truncateFrom(b, c, k)
			}
		}
		return nil
	})
}

// truncateFrom deletes k and every key after it in ascending order.
func truncateFrom(b *bbolt.Bucket, c *bbolt.Cursor, k []byte) error {
	for ; k != nil; k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying database file.
func (q *Queue) Close() error {
	return q.db.Close()
}

func encodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func seqKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// Enqueue appends frameBytes to the durable queue, tagged with
// classHint, and returns its sequence id. Frames whose class is never
// queued (spec §4.2 "Policy", e.g. END) are silently accepted as a
// no-op and return id 0, err nil — callers need not special-case them.
//
// When the queue is at MaxEntries, the oldest entry is dropped
// (counted as overflow) to make room, per the bounded-cardinality
// invariant in spec §3.
func (q *Queue) Enqueue(frameBytes []byte, classHint FrameClass) (uint64, error) {
	if neverEnqueueClasses[classHint] {
		return 0, nil
	}

	var newID uint64
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)

		if b.Stats().KeyN >= q.cfg.MaxEntries {
			c := b.Cursor()
			if k, _ := c.First(); k != nil {
				if err := b.Delete(k); err != nil {
					return err
				}
				if q.counters != nil {
					q.counters.QueueOverflow.Add(1)
				}
			}
		}

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now()
		e := &Entry{
			ID:         id,
			EnqueuedAt: now,
			NotBefore:  now,
			Raw:        frameBytes,
			Class:      classHint,
		}
		encoded, err := encodeEntry(e)
		if err != nil {
			return err
		}
		newID = id
		return b.Put(seqKey(id), encoded)
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// PeekNext returns the head entry if its NotBefore has elapsed, or
// (nil, false) otherwise. Because bbolt bucket keys are the ascending
// sequence id, the head of the cursor is always the FIFO head (spec
// §4.2's ordering invariant falls out of key ordering).
func (q *Queue) PeekNext(now time.Time) (*Entry, bool) {
	var result *Entry
	_ = q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)
		k, v := b.Cursor().First()
		if k == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return nil
		}
		if !e.NotBefore.After(now) {
			result = e
		}
		return nil
	})
	return result, result != nil
}

// MarkSent removes id from the queue after successful cloud delivery.
func (q *Queue) MarkSent(id uint64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(framesBucket).Delete(seqKey(id))
	})
}

// queueBackoff is the spec's documented schedule: base 1s, cap 60s.
func queueBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // never stop: the queue enforces the retry ceiling itself
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// Defer updates id in place, advancing NotBefore by the exponential
// back-off schedule and incrementing its retry count. Once the entry's
// retry count exceeds RetryCeiling, it is dropped instead, counted as
// an exhaustion (spec §4.2's "Back-off" rule and spec §7's
// QueueExhaustion).
func (q *Queue) Defer(id uint64, now time.Time) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)
		key := seqKey(id)
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}

		e.Retries++
		if e.Retries > q.cfg.RetryCeiling {
			if q.counters != nil {
				q.counters.QueueExhaustion.Add(1)
			}
			q.logger.Warnf("boxproxy: queue: dropping entry %d: exhausted", id)
			return b.Delete(key)
		}

		bo := queueBackoff()
		var delay time.Duration
		for i := 0; i < e.Retries; i++ {
			next := bo.NextBackOff()
			if next == backoff.Stop {
				delay = 60 * time.Second
				break
			}
			delay = next
		}
		e.NotBefore = now.Add(delay)

		encoded, err := encodeEntry(e)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// Drop removes id unconditionally, counting it under reason.
func (q *Queue) Drop(id uint64, reason string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)
		key := seqKey(id)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		q.logger.Infof("boxproxy: queue: dropping entry %d: %s", id, reason)
		return b.Delete(key)
	})
}

// Size returns the number of entries currently queued.
func (q *Queue) Size() int {
	var n int
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(framesBucket).Stats().KeyN
		return nil
	})
	return n
}

// OldestAge returns the age of the oldest queued entry, or zero if the
// queue is empty.
func (q *Queue) OldestAge(now time.Time) time.Duration {
	var age time.Duration
	_ = q.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(framesBucket)
		_, v := b.Cursor().First()
		if v == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return nil
		}
		age = now.Sub(e.EnqueuedAt)
		return nil
	})
	return age
}
