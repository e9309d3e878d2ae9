// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.SyncWrites = false
	return cfg
}

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueAndPendingOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	topics := []string{"trailmesh.loc.a", "trailmesh.loc.b", "trailmesh.ctl.c"}
	for _, topic := range topics {
		if _, err := q.Enqueue(ctx, topic, []byte(topic), 1, false); err != nil {
			t.Fatalf("enqueue %s: %v", topic, err)
		}
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d entries, want 3", len(pending))
	}
	for i, entry := range pending {
		if entry.Topic != topics[i] {
			t.Errorf("pending[%d].Topic = %q, want %q", i, entry.Topic, topics[i])
		}
	}
}

func TestMarkSentRemovesFromPending(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "trailmesh.loc.a", []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkSending(ctx, entry.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if err := q.MarkSent(ctx, entry.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after sent = %d entries, want 0", len(pending))
	}
}

func TestRetryCeilingMarksFailed(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 3
	q, err := Open(cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, "trailmesh.loc.a", []byte("x"), 1, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 1; i <= 3; i++ {
		failedNow, err := q.RecordAttempt(ctx, entry.ID, "connection refused")
		if err != nil {
			t.Fatalf("record attempt %d: %v", i, err)
		}
		want := i == 3
		if failedNow != want {
			t.Errorf("attempt %d: failedNow = %v, want %v", i, failedNow, want)
		}
	}

	pending, _ := q.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("failed entry still pending")
	}
	failed, _ := q.Failed(ctx)
	if len(failed) != 1 {
		t.Fatalf("failed = %d entries, want 1", len(failed))
	}
	if failed[0].LastError != "connection refused" {
		t.Errorf("LastError = %q", failed[0].LastError)
	}
}

func TestRequeueFailedEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRetries = 1
	q, err := Open(cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	entry, _ := q.Enqueue(ctx, "trailmesh.loc.a", []byte("x"), 1, false)
	if _, err := q.RecordAttempt(ctx, entry.ID, "boom"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	if err := q.Requeue(ctx, entry.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, err := q.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 0 || got.LastError != "" {
		t.Errorf("requeued entry = %+v, want pending with reset retry state", got)
	}

	// Requeue only applies to failed entries.
	if err := q.Requeue(ctx, entry.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("requeue on pending = %v, want ErrNotFailed", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	q, err := Open(cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	first, _ := q.Enqueue(ctx, "trailmesh.loc.a", []byte("one"), 1, false)
	if err := q.MarkSending(ctx, first.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}
	if _, err := q.Enqueue(ctx, "trailmesh.loc.b", []byte("two"), 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer q2.Close()

	// The in-flight entry from before the crash comes back as pending
	// work; order is preserved.
	pending, err := q2.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after reopen: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending after reopen = %d entries, want 2", len(pending))
	}
	if pending[0].Topic != "trailmesh.loc.a" || pending[1].Topic != "trailmesh.loc.b" {
		t.Errorf("order lost after reopen: %q, %q", pending[0].Topic, pending[1].Topic)
	}

	// New entries after reopen sort after old ones.
	third, err := q2.Enqueue(ctx, "trailmesh.loc.c", []byte("three"), 1, false)
	if err != nil {
		t.Fatalf("enqueue after reopen: %v", err)
	}
	if third.Seq <= pending[1].Seq {
		t.Errorf("sequence did not advance across reopen: %d <= %d", third.Seq, pending[1].Seq)
	}
}

func TestPurgeExpired(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	sent, _ := q.Enqueue(ctx, "trailmesh.loc.a", []byte("x"), 1, false)
	if err := q.MarkSent(ctx, sent.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := q.Enqueue(ctx, "trailmesh.loc.b", []byte("y"), 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	purged, err := q.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if _, err := q.Get(ctx, sent.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("get purged entry = %v, want ErrEntryNotFound", err)
	}
	pending, _ := q.Pending(ctx)
	if len(pending) != 1 {
		t.Errorf("pending after purge = %d entries, want 1", len(pending))
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetryBackoff = 2 * time.Second
	q, err := Open(cfg)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{7, 4 * time.Minute + 16*time.Second},
		{8, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.backoffFor(tt.attempts); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestReadyForRetry(t *testing.T) {
	q := openTestQueue(t)
	now := time.Now()

	fresh := &Entry{RetryCount: 0}
	if !q.ReadyForRetry(fresh, now) {
		t.Error("entry with no attempts should be ready")
	}

	recent := &Entry{RetryCount: 1, LastAttemptAt: now.Add(-time.Second)}
	if q.ReadyForRetry(recent, now) {
		t.Error("entry inside backoff window should not be ready")
	}

	aged := &Entry{RetryCount: 1, LastAttemptAt: now.Add(-10 * time.Second)}
	if !q.ReadyForRetry(aged, now) {
		t.Error("entry past backoff window should be ready")
	}
}

func TestStats(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "t.a", []byte("a"), 1, false)
	b, _ := q.Enqueue(ctx, "t.b", []byte("b"), 1, false)
	if _, err := q.Enqueue(ctx, "t.c", []byte("c"), 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.MarkSent(ctx, a.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := q.MarkSending(ctx, b.ID); err != nil {
		t.Fatalf("mark sending: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Sending != 1 || stats.Sent != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalEnqueued != 3 || stats.TotalSent != 1 {
		t.Errorf("counters = %+v", stats)
	}
}

func TestClosedQueueRejectsOperations(t *testing.T) {
	q, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := q.Enqueue(context.Background(), "t", nil, 1, false); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("enqueue on closed = %v, want ErrQueueClosed", err)
	}
	// Double close is a no-op.
	if err := q.Close(); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no path", func(c *Config) { c.Path = "" }, true},
		{"in-memory without path", func(c *Config) { c.Path = ""; c.InMemory = true }, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"negative backoff", func(c *Config) { c.RetryBackoff = -time.Second }, true},
		{"short retention", func(c *Config) { c.Retention = time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
