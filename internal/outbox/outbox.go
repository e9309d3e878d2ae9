// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
)

// Status is the lifecycle state of a queue entry.
type Status string

// Entry lifecycle states.
const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one outbound message awaiting transmission.
type Entry struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Topic         string    `json:"topic"`
	Payload       []byte    `json:"payload"`
	QoS           byte      `json:"qos"`
	Retained      bool      `json:"retained"`
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	Status        Status    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	SentAt        time.Time `json:"sent_at,omitempty"`
}

// Stats contains queue metrics for monitoring.
type Stats struct {
	Pending       int64 `json:"pending"`
	Sending       int64 `json:"sending"`
	Sent          int64 `json:"sent"`
	Failed        int64 `json:"failed"`
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalSent     int64 `json:"total_sent"`
	TotalFailed   int64 `json:"total_failed"`
}

// Queue errors.
var (
	ErrEntryNotFound = errors.New("outbox: entry not found")
	ErrQueueClosed   = errors.New("outbox: queue closed")
	ErrNotFailed     = errors.New("outbox: entry is not in failed state")
)

// Key layout. Entries live under a zero-padded monotonic sequence so
// BadgerDB's lexicographic iteration order equals enqueue order; an id
// index maps entry id to its sequence key.
const (
	prefixEntry = "q:"
	prefixIndex = "i:"
)

// Queue is the BadgerDB-backed offline delivery queue. It is the sole
// writer of its own persisted state; no other component mutates entries.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	config Config

	totalEnqueued atomic.Int64
	totalSent     atomic.Int64
	totalFailed   atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open creates (or reopens) the queue at the configured path. The
// sequence counter persists across restarts, so FIFO order holds over
// process lifetimes.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte("outbox-seq"), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	q := &Queue{db: db, seq: seq, config: cfg}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Int("max_retries", cfg.MaxRetries).
		Msg("outbox opened")
	return q, nil
}

// Enqueue durably appends an outbound message and returns its entry.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload []byte, qos byte, retained bool) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	seq, err := q.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Seq:        seq,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retained:   retained,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: q.config.MaxRetries,
		Status:     StatusPending,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		key := entryKey(seq)
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(entry.ID), key)
	})
	if err != nil {
		return nil, fmt.Errorf("persist entry: %w", err)
	}

	q.totalEnqueued.Add(1)
	metrics.OutboxEnqueued.Inc()
	return entry, nil
}

// Pending returns undelivered entries (pending or sending) in strict
// enqueue order. Entries found in sending state were in flight during a
// crash and are retried; the broker contract is at-least-once.
func (q *Queue) Pending(ctx context.Context) ([]*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(prefixEntry),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if entry.Status == StatusPending || entry.Status == StatusSending {
				e := entry
				entries = append(entries, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	return entries, nil
}

// Failed returns entries that exhausted their retries, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var entries []*Entry
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(prefixEntry),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if entry.Status == StatusFailed {
				e := entry
				entries = append(entries, &e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return entries, nil
}

// Get returns an entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}

	var entry *Entry
	err := q.db.View(func(txn *badger.Txn) error {
		e, err := q.loadByID(txn, id)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSending flags an entry as handed to the transport.
func (q *Queue) MarkSending(ctx context.Context, id string) error {
	return q.mutate(id, func(e *Entry) error {
		e.Status = StatusSending
		return nil
	})
}

// MarkSent records broker acknowledgement. The entry stays visible as
// sent until the compactor purges it.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	err := q.mutate(id, func(e *Entry) error {
		e.Status = StatusSent
		e.SentAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	q.totalSent.Add(1)
	metrics.OutboxSent.Inc()
	return nil
}

// RecordAttempt increments the retry count after a delivery failure.
// When the count reaches the entry's ceiling the entry transitions to
// failed and failedNow is true; the caller surfaces it upward. Failed
// entries are never retried automatically.
func (q *Queue) RecordAttempt(ctx context.Context, id string, attemptErr string) (failedNow bool, err error) {
	err = q.mutate(id, func(e *Entry) error {
		e.RetryCount++
		e.LastError = attemptErr
		e.LastAttemptAt = time.Now().UTC()
		if e.RetryCount >= e.MaxRetries {
			e.Status = StatusFailed
			failedNow = true
		} else {
			e.Status = StatusPending
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	metrics.OutboxRetries.Inc()
	if failedNow {
		q.totalFailed.Add(1)
		metrics.OutboxFailed.Inc()
	}
	return failedNow, nil
}

// Requeue explicitly re-arms a failed entry for delivery. This is the
// only path back from failed; it resets the retry count.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.mutate(id, func(e *Entry) error {
		if e.Status != StatusFailed {
			return ErrNotFailed
		}
		e.Status = StatusPending
		e.RetryCount = 0
		e.LastError = ""
		return nil
	})
}

// ReadyForRetry reports whether enough backoff time elapsed since the
// entry's last attempt.
func (q *Queue) ReadyForRetry(e *Entry, now time.Time) bool {
	if e.LastAttemptAt.IsZero() {
		return true
	}
	return now.Sub(e.LastAttemptAt) >= q.backoffFor(e.RetryCount)
}

// backoffFor calculates exponential backoff delay for retry attempts.
// Formula: base * 2^attempts, capped at 5 minutes.
func (q *Queue) backoffFor(attempts int) time.Duration {
	const maxBackoff = 5 * time.Minute
	if attempts > 50 {
		return maxBackoff
	}
	backoff := time.Duration(float64(q.config.RetryBackoff) * math.Pow(2, float64(attempts)))
	if backoff < 0 || backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// PurgeExpired removes sent entries and entries older than the
// retention window. Returns the number of entries removed.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	if err := q.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-q.config.Retention)
	var purged int

	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(prefixEntry),
		})
		defer it.Close()

		type victim struct {
			seqKey []byte
			id     string
		}
		var victims []victim

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if entry.Status == StatusSent || entry.CreatedAt.Before(cutoff) {
				victims = append(victims, victim{
					seqKey: entryKey(entry.Seq),
					id:     entry.ID,
				})
			}
		}
		it.Close()

		for _, v := range victims {
			if err := txn.Delete(v.seqKey); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(v.id)); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	if purged > 0 {
		metrics.OutboxPurged.Add(float64(purged))
	}
	return purged, nil
}

// Stats returns current queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalSent:     q.totalSent.Load(),
		TotalFailed:   q.totalFailed.Load(),
	}
	if err := q.checkOpen(); err != nil {
		return stats, err
	}

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         []byte(prefixEntry),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			switch entry.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusSent:
				stats.Sent++
			case StatusFailed:
				stats.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan stats: %w", err)
	}

	metrics.OutboxPending.Set(float64(stats.Pending + stats.Sending))
	return stats, nil
}

// RunGC triggers BadgerDB value log garbage collection.
func (q *Queue) RunGC() error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	err := q.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close releases the sequence lease and shuts down the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("outbox sequence release failed")
	}
	return q.db.Close()
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *Queue) mutate(id string, fn func(*Entry) error) error {
	if err := q.checkOpen(); err != nil {
		return err
	}

	return q.db.Update(func(txn *badger.Txn) error {
		entry, err := q.loadByID(txn, id)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		return txn.Set(entryKey(entry.Seq), data)
	})
}

func (q *Queue) loadByID(txn *badger.Txn, id string) (*Entry, error) {
	item, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var seqKey []byte
	if err := item.Value(func(val []byte) error {
		seqKey = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return nil, err
	}

	item, err = txn.Get(seqKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEntry, seq))
}

func indexKey(id string) []byte {
	return []byte(prefixIndex + id)
}
