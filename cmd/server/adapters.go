// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package main

import (
	"context"

	"github.com/mveld/trailmesh/internal/geofence"
	"github.com/mveld/trailmesh/internal/hub"
	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/push"
	"github.com/mveld/trailmesh/internal/readmodel"
	"github.com/mveld/trailmesh/internal/session"
	"github.com/mveld/trailmesh/internal/wire"
)

// samplePublisher publishes own-device samples to this node's location
// topic through the durable session. Implements tracking.SamplePublisher.
type samplePublisher struct {
	sess     *session.Session
	identity model.Identity
}

func (p *samplePublisher) PublishSample(ctx context.Context, sample model.LocationSample) error {
	if sample.Owner == "" {
		sample.Owner = p.identity.UserID()
	}
	if sample.DeviceID == "" {
		sample.DeviceID = p.identity.DeviceID()
	}
	return p.sess.Publish(ctx, wire.LocationTopic(sample.Owner), sample.ToUpdate())
}

// commandRefresher asks a peer for a fresh position by publishing a
// one-shot locate command to its control topic. Offline peers get a
// wake-up push first. Implements scheduler.Refresher.
type commandRefresher struct {
	sess     *session.Session
	identity model.Identity
	presence readmodel.Store
	waker    push.Waker
}

func (r *commandRefresher) Refresh(ctx context.Context, peerID string) error {
	if entry, ok := r.presence.Presence(peerID); !ok || entry.Status == wire.PresenceOffline {
		if err := r.waker.Wake(ctx, peerID, push.ReasonLocationRequest); err != nil {
			logging.Debug().Err(err).Str("peer", peerID).Msg("wake-up push not delivered")
		}
	}

	cmd := &wire.DeviceCommand{
		RequesterUID: r.identity.UserID(),
		TargetUID:    peerID,
		Command:      wire.CommandLocateOnce,
	}
	return r.sess.Publish(ctx, wire.ControlTopic(peerID), cmd)
}

// alertNotifier delivers geofence events to the local UI and to this
// user's other devices. Implements geofence.Notifier.
type alertNotifier struct {
	sess     *session.Session
	identity model.Identity
	hub      *hub.Hub
}

func (n *alertNotifier) Notify(ctx context.Context, ev *geofence.Event, region *geofence.Region) error {
	msg := &wire.GeofenceEvent{
		EventID:    ev.ID,
		GeofenceID: ev.RegionID,
		ContactID:  ev.PeerID,
		EventType:  ev.Kind,
		Lat:        ev.Lat,
		Lng:        ev.Lng,
		Timestamp:  ev.At.UnixMilli(),
	}
	n.hub.BroadcastJSON(hub.MessageTypeGeofenceAlert, msg)

	// Fan out to this user's other devices through the durable queue.
	return n.sess.Publish(ctx, wire.ControlTopic(n.identity.UserID()), msg)
}
