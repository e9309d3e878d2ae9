// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/readmodel"
	"github.com/mveld/trailmesh/internal/wire"
)

type fakeSink struct {
	samples []model.LocationSample
}

func (f *fakeSink) HandleSample(ctx context.Context, s model.LocationSample) error {
	f.samples = append(f.samples, s)
	return nil
}

type fakeTracker struct {
	requested []string
	oneShots  int
	stops     int
}

func (f *fakeTracker) TrackingRequested(requester string) error {
	f.requested = append(f.requested, requester)
	return nil
}
func (f *fakeTracker) HeartbeatReceived() {}
func (f *fakeTracker) StopTracking()      { f.stops++ }
func (f *fakeTracker) SampleOnce(ctx context.Context) error {
	f.oneShots++
	return nil
}

type fakeHub struct {
	locations []model.LocationSample
	presences []readmodel.PresenceEntry
	jsons     []string
}

func (f *fakeHub) BroadcastLocation(s model.LocationSample) { f.locations = append(f.locations, s) }

func (f *fakeHub) BroadcastPresence(e readmodel.PresenceEntry) { f.presences = append(f.presences, e) }

func (f *fakeHub) BroadcastJSON(messageType string, data any) { f.jsons = append(f.jsons, messageType) }

func encode(t *testing.T, msg wire.Message) []byte {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func newTestHandler() (*Handler, *readmodel.Memory, *fakeSink, *fakeTracker, *fakeHub, *model.RelationshipStore) {
	store := readmodel.NewMemory()
	sink := &fakeSink{}
	tracker := &fakeTracker{}
	h := &fakeHub{}
	rels := model.NewRelationshipStore()
	identity := model.StaticIdentity{User: "me", Device: "dev-1"}
	return NewHandler(identity, store, sink, tracker, h, rels), store, sink, tracker, h, rels
}

func TestLocationUpdateRouting(t *testing.T) {
	handler, store, sink, _, h, _ := newTestHandler()

	payload := encode(t, &wire.LocationUpdate{
		DeviceID:  "dev-9",
		UserID:    "alice",
		Lat:       52.37,
		Lng:       4.89,
		Timestamp: time.Now().UnixMilli(),
	})
	handler.HandleMessage(context.Background(), "trailmesh.loc.alice", payload)

	if _, ok := store.Position("alice"); !ok {
		t.Error("position not upserted")
	}
	if len(sink.samples) != 1 {
		t.Errorf("geofence sink samples = %d, want 1", len(sink.samples))
	}
	if len(h.locations) != 1 {
		t.Errorf("hub broadcasts = %d, want 1", len(h.locations))
	}
}

func TestPresenceUpdateRouting(t *testing.T) {
	handler, store, _, _, h, _ := newTestHandler()

	payload := encode(t, &wire.PresenceUpdate{
		UserID:    "alice",
		Status:    wire.PresenceOnline,
		Timestamp: time.Now().UnixMilli(),
	})
	handler.HandleMessage(context.Background(), "trailmesh.loc.alice", payload)

	entry, ok := store.Presence("alice")
	if !ok || entry.Status != wire.PresenceOnline {
		t.Errorf("presence = %+v, ok=%v", entry, ok)
	}
	if len(h.presences) != 1 {
		t.Errorf("hub presence broadcasts = %d, want 1", len(h.presences))
	}
}

func TestDeviceCommandsForLocalTarget(t *testing.T) {
	handler, _, _, tracker, _, _ := newTestHandler()
	ctx := context.Background()

	handler.HandleMessage(ctx, "t", encode(t, &wire.DeviceCommand{
		RequesterUID: "alice",
		TargetUID:    "me",
		Command:      wire.CommandLocateLive,
	}))
	handler.HandleMessage(ctx, "t", encode(t, &wire.DeviceCommand{
		RequesterUID: "alice",
		TargetUID:    "me",
		Command:      wire.CommandLocateOnce,
	}))
	handler.HandleMessage(ctx, "t", encode(t, &wire.DeviceCommand{
		RequesterUID: "alice",
		TargetUID:    "me",
		Command:      wire.CommandStopTracking,
	}))

	if len(tracker.requested) != 1 || tracker.requested[0] != "alice" {
		t.Errorf("tracking requests = %v", tracker.requested)
	}
	if tracker.oneShots != 1 {
		t.Errorf("one-shots = %d, want 1", tracker.oneShots)
	}
	if tracker.stops != 1 {
		t.Errorf("stops = %d, want 1", tracker.stops)
	}
}

func TestDeviceCommandForOtherTargetIgnored(t *testing.T) {
	handler, _, _, tracker, _, _ := newTestHandler()

	handler.HandleMessage(context.Background(), "t", encode(t, &wire.DeviceCommand{
		RequesterUID: "alice",
		TargetUID:    "someone-else",
		Command:      wire.CommandLocateLive,
	}))

	if len(tracker.requested) != 0 {
		t.Errorf("command for another target acted on: %v", tracker.requested)
	}
}

func TestShareLifecycleRouting(t *testing.T) {
	handler, _, _, _, _, rels := newTestHandler()
	ctx := context.Background()

	handler.HandleMessage(ctx, "t", encode(t, &wire.ShareRequest{
		SenderID:   "alice",
		SenderName: "Alice",
		ShareID:    "s-1",
	}))
	rel, ok := rels.Get("alice")
	if !ok || rel.Status != model.StatusPending {
		t.Fatalf("relationship after request = %+v, ok=%v", rel, ok)
	}

	// A retransmitted request must not error or duplicate.
	handler.HandleMessage(ctx, "t", encode(t, &wire.ShareRequest{
		SenderID: "alice",
		ShareID:  "s-1",
	}))

	handler.HandleMessage(ctx, "t", encode(t, &wire.ShareResponse{
		SenderID: "alice",
		ShareID:  "s-1",
		Accepted: true,
	}))
	rel, _ = rels.Get("alice")
	if rel.Status != model.StatusAccepted {
		t.Errorf("status after response = %q, want accepted", rel.Status)
	}

	handler.HandleMessage(ctx, "t", encode(t, &wire.SharePause{
		SenderID: "alice",
		ShareID:  "s-1",
		IsPaused: true,
	}))
	rel, _ = rels.Get("alice")
	if !rel.Paused {
		t.Error("relationship not paused")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	handler, store, sink, tracker, _, _ := newTestHandler()

	handler.HandleMessage(context.Background(), "t", []byte(`{"type": "location_update", "lat": "not-a-number"`))
	handler.HandleMessage(context.Background(), "t", []byte(`not json at all`))
	handler.HandleMessage(context.Background(), "t", []byte(`{"type":"unknown_future_type"}`))

	if got := len(store.Positions()); got != 0 {
		t.Errorf("positions from malformed input = %d", got)
	}
	if len(sink.samples) != 0 || len(tracker.requested) != 0 {
		t.Error("malformed input reached downstream components")
	}
}

func TestGeofenceEventBroadcast(t *testing.T) {
	handler, _, _, _, h, _ := newTestHandler()

	handler.HandleMessage(context.Background(), "t", encode(t, &wire.GeofenceEvent{
		EventID:    "e-1",
		GeofenceID: "g-1",
		ContactID:  "alice",
		EventType:  wire.GeofenceEnter,
		Lat:        52.0,
		Lng:        4.0,
		Timestamp:  time.Now().UnixMilli(),
	}))

	if len(h.jsons) != 1 || h.jsons[0] != "geofence_alert" {
		t.Errorf("hub broadcasts = %v, want [geofence_alert]", h.jsons)
	}
}
