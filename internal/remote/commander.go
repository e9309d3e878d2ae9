// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package remote is the requester side of the device command protocol:
// it asks peers for continuous tracking, keeps the session alive with
// heartbeats, and issues sound and lost-mode actions. The consuming
// side of the same protocol lives in the ingest handler.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/wire"
)

// ErrNotStarted is returned for commands issued before Start.
var ErrNotStarted = errors.New("remote: commander not started")

// Publisher ships a command to a peer's control topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg wire.Message) error
}

// Commander issues device commands to peers. Requesting tracking starts
// a per-peer heartbeat loop that republishes the live request at a
// fraction of the target's watchdog timeout; on the target a repeated
// locate_live doubles as the keepalive, so the loop is both the request
// and the heartbeat.
type Commander struct {
	pub            Publisher
	identity       model.Identity
	heartbeatEvery time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	loops   map[string]context.CancelFunc
}

// NewCommander creates an idle commander. heartbeatEvery should be well
// under the peers' heartbeat timeout; a third of it is a good choice.
func NewCommander(pub Publisher, identity model.Identity, heartbeatEvery time.Duration) *Commander {
	return &Commander{
		pub:            pub,
		identity:       identity,
		heartbeatEvery: heartbeatEvery,
		loops:          make(map[string]context.CancelFunc),
	}
}

// Start arms the commander. Heartbeat loops derive their lifetime from
// ctx; canceling it silently ends every active request.
func (c *Commander) Start(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		for peer, cancel := range c.loops {
			cancel()
			delete(c.loops, peer)
		}
		c.mu.Unlock()
	}()
}

// Track requests continuous tracking from a peer and starts the
// heartbeat loop keeping the session alive. Requesting an already
// tracked peer is a no-op.
func (c *Commander) Track(ctx context.Context, peerID string) error {
	c.mu.Lock()
	if c.baseCtx == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if _, active := c.loops[peerID]; active {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(c.baseCtx)
	c.loops[peerID] = cancel
	c.mu.Unlock()

	if err := c.send(ctx, peerID, &wire.DeviceCommand{Command: wire.CommandLocateLive}); err != nil {
		c.dropLoop(peerID)
		return err
	}

	logging.Info().Str("peer", peerID).Msg("live tracking requested")
	go c.runHeartbeat(loopCtx, peerID)
	return nil
}

// StopTracking ends the heartbeat loop and tells the peer to stop. The
// stop command is sent even when no loop is active, so a session
// surviving a local restart can still be ended.
func (c *Commander) StopTracking(ctx context.Context, peerID string) error {
	c.dropLoop(peerID)
	return c.send(ctx, peerID, &wire.DeviceCommand{Command: wire.CommandStopTracking})
}

// PlaySound asks the peer device to sound an audible alert.
func (c *Commander) PlaySound(ctx context.Context, peerID string) error {
	return c.send(ctx, peerID, &wire.DeviceCommand{
		Command:   wire.CommandPlaySound,
		PlaySound: true,
	})
}

// LostMode puts the peer device into lost mode with an optional message
// and callback number to display.
func (c *Commander) LostMode(ctx context.Context, peerID, message, phoneNumber string) error {
	return c.send(ctx, peerID, &wire.DeviceCommand{
		Command:     wire.CommandLostMode,
		Message:     message,
		PhoneNumber: phoneNumber,
	})
}

// Tracking reports whether a heartbeat loop is active for a peer.
func (c *Commander) Tracking(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.loops[peerID]
	return active
}

func (c *Commander) runHeartbeat(ctx context.Context, peerID string) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, peerID, &wire.DeviceCommand{Command: wire.CommandLocateLive}); err != nil && ctx.Err() == nil {
				logging.Warn().Err(err).Str("peer", peerID).Msg("tracking heartbeat publish failed")
			}
		}
	}
}

func (c *Commander) dropLoop(peerID string) {
	c.mu.Lock()
	if cancel, ok := c.loops[peerID]; ok {
		cancel()
		delete(c.loops, peerID)
	}
	c.mu.Unlock()
}

func (c *Commander) send(ctx context.Context, peerID string, cmd *wire.DeviceCommand) error {
	cmd.RequesterUID = c.identity.UserID()
	cmd.TargetUID = peerID
	return c.pub.Publish(ctx, wire.ControlTopic(peerID), cmd)
}
