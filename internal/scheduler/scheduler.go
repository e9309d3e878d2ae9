// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package scheduler decides how often each peer is asked for a fresh
// position. The interval adapts to UI focus, app foreground state, and
// battery level; one refresh loop runs per eligible peer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/model"
)

// Refresher issues one position refresh request toward a peer. A
// returned error is transient; the scheduler logs it and keeps its
// cadence.
type Refresher interface {
	Refresh(ctx context.Context, peerID string) error
}

// Reconciler receives every relationship snapshot before refresh loops
// are rebuilt, keeping topic subscriptions aligned with the same set.
type Reconciler interface {
	Reconcile(rels []model.PeerRelationship)
}

// Config holds the refresh interval policy.
type Config struct {
	// FocusedInterval applies to the focused peer while foreground.
	FocusedInterval time.Duration `koanf:"focused_interval"`

	// ForegroundInterval applies to non-focused peers while foreground.
	ForegroundInterval time.Duration `koanf:"foreground_interval"`

	// BackgroundInterval applies to every peer while backgrounded.
	BackgroundInterval time.Duration `koanf:"background_interval"`

	// BatterySaverInterval applies while backgrounded at low battery.
	BatterySaverInterval time.Duration `koanf:"battery_saver_interval"`

	// LowBatteryThreshold is the battery percentage at or below which
	// the battery saver interval takes over.
	LowBatteryThreshold int `koanf:"low_battery_threshold"`

	// RefreshAllBurst limits how often a foreground transition may
	// trigger a refresh of every peer at once.
	RefreshAllEvery time.Duration `koanf:"refresh_all_every"`
}

// DefaultConfig returns the stock policy table.
func DefaultConfig() Config {
	return Config{
		FocusedInterval:      5 * time.Second,
		ForegroundInterval:   60 * time.Second,
		BackgroundInterval:   300 * time.Second,
		BatterySaverInterval: 600 * time.Second,
		LowBatteryThreshold:  20,
		RefreshAllEvery:      10 * time.Second,
	}
}

type peerLoop struct {
	cancel   context.CancelFunc
	interval time.Duration
}

// Scheduler runs one refresh loop per peer with a live inbound
// relationship. It observes relationship snapshots, never mutates them.
type Scheduler struct {
	cfg       Config
	refresher Refresher
	recon     Reconciler
	limiter   *rate.Limiter

	mu         sync.Mutex
	runCtx     context.Context
	loops      map[string]*peerLoop
	focused    string
	foreground bool
	battery    int
}

// New creates a scheduler. The reconciler may be nil when subscription
// reconciliation is driven elsewhere.
func New(cfg Config, refresher Refresher, recon Reconciler) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		refresher:  refresher,
		recon:      recon,
		limiter:    rate.NewLimiter(rate.Every(cfg.RefreshAllEvery), 1),
		loops:      make(map[string]*peerLoop),
		battery:    100,
		foreground: true,
	}
}

// IntervalFor returns the refresh interval the current policy assigns
// to a peer.
func (s *Scheduler) IntervalFor(peerID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked(peerID)
}

func (s *Scheduler) intervalLocked(peerID string) time.Duration {
	if s.foreground {
		if peerID != "" && peerID == s.focused {
			return s.cfg.FocusedInterval
		}
		return s.cfg.ForegroundInterval
	}
	if s.battery <= s.cfg.LowBatteryThreshold {
		return s.cfg.BatterySaverInterval
	}
	return s.cfg.BackgroundInterval
}

// SetFocus switches the focused peer. Exactly the loops of the
// previously and newly focused peers restart; the new focus gets an
// immediate refresh. An empty peer clears focus.
func (s *Scheduler) SetFocus(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.focused
	if prev == peerID {
		return
	}
	s.focused = peerID

	if prev != "" {
		s.restartLoopLocked(prev, false)
	}
	if peerID != "" {
		s.restartLoopLocked(peerID, true)
	}
	logging.Debug().Str("peer", peerID).Msg("focus changed")
}

// SetForeground flips the app foreground flag. All loops restart at
// the new tier; entering foreground additionally refreshes every peer
// once, rate limited so rapid app switching cannot storm the network.
func (s *Scheduler) SetForeground(fg bool) {
	s.mu.Lock()
	if s.foreground == fg {
		s.mu.Unlock()
		return
	}
	s.foreground = fg
	for _, peer := range s.peersLocked() {
		s.restartLoopLocked(peer, false)
	}
	refreshAll := fg && s.limiter.Allow()
	ctx := s.runCtx
	peers := s.peersLocked()
	s.mu.Unlock()

	logging.Debug().Bool("foreground", fg).Msg("foreground state changed")
	if refreshAll && ctx != nil {
		for _, peer := range peers {
			s.refresh(ctx, peer)
		}
	}
}

// SetBattery records the battery percentage and restarts loops when
// the policy tier changes.
func (s *Scheduler) SetBattery(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasLow := s.battery <= s.cfg.LowBatteryThreshold
	s.battery = pct
	isLow := pct <= s.cfg.LowBatteryThreshold
	if wasLow == isLow || s.foreground {
		return
	}
	for _, peer := range s.peersLocked() {
		s.restartLoopLocked(peer, false)
	}
}

// Peers returns the peers with active refresh loops.
func (s *Scheduler) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peersLocked()
}

// Run observes relationship snapshots until ctx is canceled. Each
// snapshot first goes to the reconciler, then the refresh loop set is
// rebuilt to match the eligible peers.
func (s *Scheduler) Run(ctx context.Context, watch <-chan []model.PeerRelationship) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	defer s.stopAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rels, ok := <-watch:
			if !ok {
				return nil
			}
			if s.recon != nil {
				s.recon.Reconcile(rels)
			}
			s.apply(rels)
		}
	}
}

// apply rebuilds the loop set from a relationship snapshot.
func (s *Scheduler) apply(rels []model.PeerRelationship) {
	now := time.Now()
	eligible := make(map[string]struct{})
	for _, rel := range rels {
		if rel.Live(now) && rel.Inbound() {
			eligible[rel.PeerID] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for peer, loop := range s.loops {
		if _, ok := eligible[peer]; !ok {
			loop.cancel()
			delete(s.loops, peer)
			logging.Debug().Str("peer", peer).Msg("refresh loop stopped")
		}
	}
	for peer := range eligible {
		if _, ok := s.loops[peer]; !ok {
			s.startLoopLocked(peer, true)
		}
	}
	metrics.SchedulerActiveLoops.Set(float64(len(s.loops)))
}

func (s *Scheduler) startLoopLocked(peer string, immediate bool) {
	if s.runCtx == nil {
		return
	}
	interval := s.intervalLocked(peer)
	ctx, cancel := context.WithCancel(s.runCtx)
	s.loops[peer] = &peerLoop{cancel: cancel, interval: interval}

	go func() {
		if immediate {
			s.refresh(ctx, peer)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh(ctx, peer)
			}
		}
	}()
	logging.Debug().Str("peer", peer).Dur("interval", interval).Msg("refresh loop started")
}

// restartLoopLocked replaces a single peer's loop so it picks up the
// interval the current policy assigns. Peers without a loop are left
// alone.
func (s *Scheduler) restartLoopLocked(peer string, immediate bool) {
	loop, ok := s.loops[peer]
	if !ok {
		return
	}
	if loop.interval == s.intervalLocked(peer) && !immediate {
		return
	}
	loop.cancel()
	delete(s.loops, peer)
	s.startLoopLocked(peer, immediate)
}

func (s *Scheduler) refresh(ctx context.Context, peer string) {
	err := s.refresher.Refresh(ctx, peer)
	metrics.RecordRefresh(err)
	if err != nil && ctx.Err() == nil {
		// Transient by contract; the cadence stays unchanged.
		logging.Debug().Err(err).Str("peer", peer).Msg("peer refresh failed")
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer, loop := range s.loops {
		loop.cancel()
		delete(s.loops, peer)
	}
	metrics.SchedulerActiveLoops.Set(0)
}

func (s *Scheduler) peersLocked() []string {
	peers := make([]string, 0, len(s.loops))
	for p := range s.loops {
		peers = append(peers, p)
	}
	return peers
}
