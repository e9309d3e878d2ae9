// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package ingest routes decoded inbound peer messages to the rest of
// the system: positions to the read model, geofence evaluator and UI
// hub, commands to the tracking machine, relationship messages to the
// relationship store.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/readmodel"
	"github.com/mveld/trailmesh/internal/wire"
)

// SampleSink consumes peer position samples (the geofence evaluator).
type SampleSink interface {
	HandleSample(ctx context.Context, sample model.LocationSample) error
}

// Tracker is the slice of the tracking machine driven by remote
// commands.
type Tracker interface {
	TrackingRequested(requester string) error
	HeartbeatReceived()
	StopTracking()
	SampleOnce(ctx context.Context) error
}

// Broadcaster pushes state changes to UI clients.
type Broadcaster interface {
	BroadcastLocation(sample model.LocationSample)
	BroadcastPresence(entry readmodel.PresenceEntry)
	BroadcastJSON(messageType string, data any)
}

// Relationships is the slice of the relationship store mutated by
// inbound share messages.
type Relationships interface {
	Invite(peerID, peerName string, dir model.Direction, expires *time.Time) (model.PeerRelationship, error)
	Accept(peerID string) error
	Reject(peerID string) error
	SetPaused(peerID string, paused bool) error
}

// Handler decodes and dispatches inbound payloads. Malformed payloads
// are dropped and logged; they never take down the consuming loop.
type Handler struct {
	identity model.Identity
	store    readmodel.Store
	sink     SampleSink
	tracker  Tracker
	hub      Broadcaster
	rels     Relationships
}

// NewHandler wires the ingest routes. Any collaborator may be nil; the
// corresponding route is skipped.
func NewHandler(identity model.Identity, store readmodel.Store, sink SampleSink, tracker Tracker, hub Broadcaster, rels Relationships) *Handler {
	return &Handler{
		identity: identity,
		store:    store,
		sink:     sink,
		tracker:  tracker,
		hub:      hub,
		rels:     rels,
	}
}

// HandleMessage is the session.Handler entry point.
func (h *Handler) HandleMessage(ctx context.Context, topic string, payload []byte) {
	msg, err := wire.Decode(payload)
	if err != nil {
		metrics.IngestDecodeFailures.Inc()
		logging.Warn().Err(err).Str("topic", topic).Msg("inbound payload dropped")
		return
	}
	metrics.IngestMessages.WithLabelValues(string(msg.Kind())).Inc()

	switch m := msg.(type) {
	case *wire.LocationUpdate:
		h.handleLocation(ctx, m)
	case *wire.PresenceUpdate:
		h.handlePresence(m)
	case *wire.DeviceCommand:
		h.handleCommand(ctx, m)
	case *wire.ShareRequest:
		h.handleShareRequest(m)
	case *wire.ShareResponse:
		h.handleShareResponse(m)
	case *wire.SharePause:
		h.handleSharePause(m)
	case *wire.GeofenceEvent:
		h.handleGeofenceEvent(m)
	case *wire.GeofenceSync:
		h.handleGeofenceSync(m)
	default:
		logging.Warn().Str("type", string(msg.Kind())).Msg("no route for message type")
	}
}

func (h *Handler) handleLocation(ctx context.Context, m *wire.LocationUpdate) {
	sample := model.SampleFromUpdate(m)
	if h.store != nil {
		h.store.UpsertPosition(sample)
	}
	if h.sink != nil {
		if err := h.sink.HandleSample(ctx, sample); err != nil {
			logging.Error().Err(err).Str("peer", sample.Owner).Msg("geofence evaluation failed")
		}
	}
	if h.hub != nil {
		h.hub.BroadcastLocation(sample)
	}
}

func (h *Handler) handlePresence(m *wire.PresenceUpdate) {
	entry := readmodel.PresenceEntry{
		UserID:   m.UserID,
		DeviceID: m.DeviceID,
		Status:   m.Status,
		At:       time.UnixMilli(m.Timestamp).UTC(),
	}
	if h.store != nil {
		h.store.UpsertPresence(entry)
	}
	if h.hub != nil {
		h.hub.BroadcastPresence(entry)
	}
}

// handleCommand reacts to remote device commands addressed to the
// local user. Commands for other targets are ignored, not errors; a
// peer may publish to a shared topic.
func (h *Handler) handleCommand(ctx context.Context, m *wire.DeviceCommand) {
	if h.identity != nil && m.TargetUID != h.identity.UserID() {
		return
	}
	if h.tracker == nil {
		return
	}

	switch m.Command {
	case wire.CommandLocateLive:
		// A repeated live request doubles as a heartbeat.
		if err := h.tracker.TrackingRequested(m.RequesterUID); err != nil {
			logging.Error().Err(err).Str("requester", m.RequesterUID).Msg("tracking request failed")
		}
	case wire.CommandLocateOnce:
		if err := h.tracker.SampleOnce(ctx); err != nil {
			logging.Warn().Err(err).Str("requester", m.RequesterUID).Msg("one-shot locate failed")
		}
	case wire.CommandStopTracking:
		h.tracker.StopTracking()
	case wire.CommandPlaySound, wire.CommandLostMode:
		// Device-side effects belong to the platform layer; surface
		// them to the UI.
		if h.hub != nil {
			h.hub.BroadcastJSON("device_command", m)
		}
	}
}

func (h *Handler) handleShareRequest(m *wire.ShareRequest) {
	if h.rels == nil {
		return
	}
	_, err := h.rels.Invite(m.SenderID, m.SenderName, model.DirectionMutual, nil)
	if errors.Is(err, model.ErrDuplicatePeer) {
		// A retransmitted invite is not an error.
		logging.Debug().Str("peer", m.SenderID).Msg("duplicate share request ignored")
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("peer", m.SenderID).Msg("share request failed")
		return
	}
	if h.hub != nil {
		h.hub.BroadcastJSON("relationship", m)
	}
}

func (h *Handler) handleShareResponse(m *wire.ShareResponse) {
	if h.rels == nil {
		return
	}
	var err error
	if m.Accepted {
		err = h.rels.Accept(m.SenderID)
	} else {
		err = h.rels.Reject(m.SenderID)
	}
	if err != nil {
		logging.Warn().Err(err).Str("peer", m.SenderID).Msg("share response had no matching relationship")
		return
	}
	if h.hub != nil {
		h.hub.BroadcastJSON("relationship", m)
	}
}

func (h *Handler) handleSharePause(m *wire.SharePause) {
	if h.rels == nil {
		return
	}
	if err := h.rels.SetPaused(m.SenderID, m.IsPaused); err != nil {
		logging.Warn().Err(err).Str("peer", m.SenderID).Msg("share pause had no matching relationship")
		return
	}
	if h.hub != nil {
		h.hub.BroadcastJSON("relationship", m)
	}
}

func (h *Handler) handleGeofenceEvent(m *wire.GeofenceEvent) {
	if h.hub != nil {
		h.hub.BroadcastJSON("geofence_alert", m)
	}
}

func (h *Handler) handleGeofenceSync(m *wire.GeofenceSync) {
	// Region configuration is owned locally; a peer's sync message is
	// informational for the UI only.
	if h.hub != nil {
		h.hub.BroadcastJSON("geofence_sync", m)
	}
}
