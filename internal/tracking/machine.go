// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package tracking runs the live tracking state machine. A device is
// dormant until a peer requests continuous tracking; while live it
// samples and publishes its position until the requester stops, the
// heartbeat lapses, or the session hits its duration cap.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/model"
)

// State is the tracking machine state.
type State string

// Machine states. There are exactly two; every live session ends back
// in dormant.
const (
	StateDormant State = "dormant"
	StateLive    State = "live"
)

// Stop causes reported in transition notifications.
const (
	CauseRequested        = "requested"
	CauseStopped          = "stopped"
	CauseHeartbeatTimeout = "heartbeat_timeout"
	CauseMaxDuration      = "max_duration"
	CauseForceReset       = "force_reset"
	CauseShutdown         = "shutdown"
)

// Sampler produces the device's current position.
type Sampler interface {
	Sample(ctx context.Context) (model.LocationSample, error)
}

// SamplePublisher ships a sample to the peer network.
type SamplePublisher interface {
	PublishSample(ctx context.Context, sample model.LocationSample) error
}

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	Cause     string
	Requester string
	At        time.Time
}

// Session is a snapshot of the current live session.
type Session struct {
	Requester     string    `json:"requester"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Config holds tracking timers.
type Config struct {
	// SampleInterval is the delay between position publishes while live.
	SampleInterval time.Duration `koanf:"sample_interval"`

	// HeartbeatTimeout ends a live session that receives no keepalive.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// MaxDuration is the absolute cap on one live session, measured
	// from the moment tracking starts. Heartbeats do not extend it.
	MaxDuration time.Duration `koanf:"max_duration"`
}

// DefaultConfig returns the stock tracking timers.
func DefaultConfig() Config {
	return Config{
		SampleInterval:   2 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		MaxDuration:      5 * time.Minute,
	}
}

// ErrNotStarted is returned for events delivered before Start.
var ErrNotStarted = errors.New("tracking: machine not started")

// Machine is the two-state tracking controller. All event methods are
// safe for concurrent use; undefined event/state combinations are
// no-ops, never errors.
type Machine struct {
	cfg     Config
	sampler Sampler
	pub     SamplePublisher

	transitions chan Transition

	mu            sync.Mutex
	baseCtx       context.Context
	state         State
	requester     string
	startedAt     time.Time
	lastHeartbeat time.Time
	cancel        context.CancelFunc
	heartbeat     chan struct{}
	liveDone      chan struct{}
}

// NewMachine creates a dormant machine.
func NewMachine(cfg Config, sampler Sampler, pub SamplePublisher) *Machine {
	return &Machine{
		cfg:         cfg,
		sampler:     sampler,
		pub:         pub,
		state:       StateDormant,
		transitions: make(chan Transition, 16),
	}
}

// Start arms the machine. Live sessions derive their lifetime from ctx;
// canceling it forces dormancy.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.stopLive(CauseShutdown)
	}()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the live session snapshot. ok is false while dormant.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLive {
		return Session{}, false
	}
	return Session{
		Requester:     m.requester,
		StartedAt:     m.startedAt,
		LastHeartbeat: m.lastHeartbeat,
	}, true
}

// Transitions delivers state change notifications. The channel is
// buffered; when a consumer lags, notifications are dropped and counted
// rather than blocking the machine.
func (m *Machine) Transitions() <-chan Transition {
	return m.transitions
}

// TrackingRequested handles a peer's live tracking request. Dormant:
// starts a live session. Live: refreshes the heartbeat watchdog, so a
// repeated request is also a keepalive. The duration cap is not
// extended.
func (m *Machine) TrackingRequested(requester string) error {
	m.mu.Lock()

	if m.baseCtx == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}

	if m.state == StateLive {
		m.lastHeartbeat = time.Now().UTC()
		hb := m.heartbeat
		m.mu.Unlock()
		kick(hb)
		return nil
	}

	liveCtx, cancel := context.WithCancel(m.baseCtx)
	now := time.Now().UTC()
	m.state = StateLive
	m.requester = requester
	m.startedAt = now
	m.lastHeartbeat = now
	m.cancel = cancel
	m.heartbeat = make(chan struct{}, 1)
	m.liveDone = make(chan struct{})

	hb := m.heartbeat
	done := m.liveDone

	// Emitted under the lock so observers see transitions in the order
	// the state actually changed.
	m.notify(Transition{
		From:      StateDormant,
		To:        StateLive,
		Cause:     CauseRequested,
		Requester: requester,
		At:        now,
	})
	m.mu.Unlock()

	logging.Info().Str("requester", requester).Msg("live tracking started")
	go m.runLive(liveCtx, hb, done)
	return nil
}

// HeartbeatReceived refreshes the watchdog. No-op while dormant.
func (m *Machine) HeartbeatReceived() {
	m.mu.Lock()
	hb := m.heartbeat
	live := m.state == StateLive
	if live {
		m.lastHeartbeat = time.Now().UTC()
	}
	m.mu.Unlock()
	if live {
		kick(hb)
	}
}

// StopTracking ends the live session on the requester's explicit stop.
// No-op while dormant.
func (m *Machine) StopTracking() {
	m.stopLive(CauseStopped)
}

// ForceReset unconditionally returns the machine to dormant. Intended
// for the local user overriding a remote session.
func (m *Machine) ForceReset() {
	m.stopLive(CauseForceReset)
}

// SampleOnce takes and publishes a single position report without
// touching machine state. Used for one-shot locate commands.
func (m *Machine) SampleOnce(ctx context.Context) error {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		return err
	}
	metrics.TrackingSamples.Inc()
	return m.pub.PublishSample(ctx, sample)
}

// runLive owns the live session: a sampling ticker, the heartbeat
// watchdog, and the duration cap all share one context so ending the
// session tears everything down at once.
func (m *Machine) runLive(ctx context.Context, hb chan struct{}, done chan struct{}) {
	defer close(done)

	watchdog := time.NewTimer(m.cfg.HeartbeatTimeout)
	defer watchdog.Stop()
	deadline := time.NewTimer(m.cfg.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	// First sample goes out immediately; the requester should not wait
	// a full interval for the initial position.
	m.publishSample(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishSample(ctx)
		case <-hb:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(m.cfg.HeartbeatTimeout)
		case <-watchdog.C:
			go m.stopLive(CauseHeartbeatTimeout)
			return
		case <-deadline.C:
			go m.stopLive(CauseMaxDuration)
			return
		}
	}
}

func (m *Machine) publishSample(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn().Err(err).Msg("position sample failed")
		}
		return
	}
	metrics.TrackingSamples.Inc()
	if err := m.pub.PublishSample(ctx, sample); err != nil && ctx.Err() == nil {
		logging.Warn().Err(err).Msg("sample publish failed")
	}
}

func (m *Machine) stopLive(cause string) {
	m.mu.Lock()
	if m.state != StateLive {
		m.mu.Unlock()
		return
	}
	requester := m.requester

	// The lock is held across the wait so a new session cannot start,
	// and cannot notify, before this session's exit notification is on
	// the channel. runLive never takes the lock.
	m.cancel()
	<-m.liveDone

	m.state = StateDormant
	m.requester = ""
	m.startedAt = time.Time{}
	m.lastHeartbeat = time.Time{}
	m.cancel = nil
	m.heartbeat = nil
	m.liveDone = nil

	m.notify(Transition{
		From:      StateLive,
		To:        StateDormant,
		Cause:     cause,
		Requester: requester,
		At:        time.Now().UTC(),
	})
	m.mu.Unlock()

	logging.Info().Str("cause", cause).Msg("live tracking ended")
}

func (m *Machine) notify(t Transition) {
	metrics.RecordTransition(string(t.From), string(t.To), t.Cause)
	select {
	case m.transitions <- t:
	default:
		metrics.TrackingDroppedNotifications.Inc()
	}
}

func kick(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
