// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
)

// Compactor periodically purges sent and expired queue entries and
// triggers BadgerDB value log garbage collection.
type Compactor struct {
	queue    *Queue
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCompactor creates a compactor for the queue using its configured
// compaction interval.
func NewCompactor(q *Queue) *Compactor {
	return &Compactor{
		queue:    q,
		interval: q.config.CompactInterval,
	}
}

// Start launches the background compaction loop.
func (c *Compactor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(runCtx)

	logging.Info().Dur("interval", c.interval).Msg("outbox compactor started")
	return nil
}

// Stop halts the compaction loop and waits for it to exit.
func (c *Compactor) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning reports whether the compaction loop is active.
func (c *Compactor) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.compact(ctx)
		}
	}
}

func (c *Compactor) compact(ctx context.Context) {
	start := time.Now()

	purged, err := c.queue.PurgeExpired(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("outbox compaction purge failed")
		return
	}

	if err := c.queue.RunGC(); err != nil {
		logging.Warn().Err(err).Msg("outbox value log GC failed")
	}

	if purged > 0 {
		logging.Debug().
			Int("purged", purged).
			Dur("elapsed", time.Since(start)).
			Msg("outbox compaction completed")
	}
}
