// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package geofence

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/wire"
)

// Meters of northward travel per degree of latitude on the evaluator's
// reference sphere.
const metersPerLatDegree = 6371.0 * 1000 * math.Pi / 180

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.SyncWrites = false
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(openTestDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev *Event, region *Region) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []wire.GeofenceEventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]wire.GeofenceEventKind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

// sampleAt produces a sample the given distance north of a center.
func sampleAt(peer string, centerLat, centerLng, distanceMeters float64) model.LocationSample {
	return model.LocationSample{
		Owner:      peer,
		Lat:        centerLat + distanceMeters/metersPerLatDegree,
		Lng:        centerLng,
		CapturedAt: time.Now().UTC(),
	}
}

func fixedRegion(peer string, lat, lng, radius float64, trigger TriggerPolicy) *Region {
	return &Region{
		PeerID:  peer,
		Lat:     lat,
		Lng:     lng,
		Radius:  radius,
		Trigger: trigger,
		Active:  true,
		Kind:    KindFixed,
	}
}

func TestEnterEmittedOnceOnBoundaryCross(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, err := NewEvaluator(store, notifier)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}

	const lat, lng = 39.9042, 116.4074
	region := fixedRegion("peer-1", lat, lng, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	for _, dist := range []float64{500, 150, 180} {
		if err := eval.HandleSample(ctx, sampleAt("peer-1", lat, lng, dist)); err != nil {
			t.Fatalf("sample at %vm: %v", dist, err)
		}
	}

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != wire.GeofenceEnter {
		t.Fatalf("events = %v, want exactly one ENTER", kinds)
	}
}

func TestExitRequiresPriorEntry(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerBoth)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	distances := []float64{150, 150, 500, 600}
	for _, dist := range distances {
		if err := eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, dist)); err != nil {
			t.Fatalf("sample: %v", err)
		}
	}

	kinds := notifier.kinds()
	if len(kinds) != 2 || kinds[0] != wire.GeofenceEnter || kinds[1] != wire.GeofenceExit {
		t.Fatalf("events = %v, want [ENTER EXIT]", kinds)
	}
}

func TestWasInsideOnCreateSuppressesFirstEvent(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerBoth)
	region.WasInsideOnCreate = true
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	// First sample inside: no synthetic enter.
	if err := eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if got := notifier.kinds(); len(got) != 0 {
		t.Fatalf("synthetic event emitted: %v", got)
	}

	// A genuine departure still fires.
	if err := eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 400)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != wire.GeofenceExit {
		t.Fatalf("events = %v, want [EXIT]", kinds)
	}
}

func TestTriggerPolicyFiltersEvents(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerExit)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	// Enter is filtered, but membership still advances so the later
	// exit is detected.
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != wire.GeofenceExit {
		t.Fatalf("events = %v, want [EXIT]", kinds)
	}
}

func TestOneShotRegionDeletedAfterFirstEvent(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	region.OneShot = true
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))

	if _, err := store.RegionForPeer("peer-1"); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("one-shot region still present: %v", err)
	}

	// Further samples for the peer are ignored.
	if err := eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500)); err != nil {
		t.Errorf("sample after deletion: %v", err)
	}
	if got := len(notifier.kinds()); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestRelativeRegionFollowsOwner(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := &Region{
		PeerID:  "peer-1",
		Radius:  200,
		Trigger: TriggerEnter,
		Active:  true,
		Kind:    KindRelative,
	}
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}
	if err := eval.SetOwnerPosition("peer-1", 52.0, 4.0); err != nil {
		t.Fatalf("set owner position: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))
	if got := len(notifier.kinds()); got != 1 {
		t.Fatalf("events = %d, want 1 enter near owner", got)
	}

	// Owner moves far away; the peer's unchanged position is now an
	// exit relative to the new anchor.
	if err := eval.SetOwnerPosition("peer-1", 53.0, 4.0); err != nil {
		t.Fatalf("set owner position: %v", err)
	}
	if err := store.UpdateRegion(region.ID, func(r *Region) { r.Trigger = TriggerBoth }); err != nil {
		t.Fatalf("update region: %v", err)
	}
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))

	kinds := notifier.kinds()
	if len(kinds) != 2 || kinds[1] != wire.GeofenceExit {
		t.Fatalf("events = %v, want exit after owner moved", kinds)
	}
}

func TestRelativeRegionWaitsForOwnerAnchor(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := &Region{
		PeerID:            "peer-1",
		Radius:            200,
		Trigger:           TriggerBoth,
		Active:            true,
		Kind:              KindRelative,
		WasInsideOnCreate: true,
		LastInside:        true,
	}
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	// The owner has never reported a fix. A sample right next to the
	// owner's true position must not be measured against the zero
	// coordinate and reported as an exit.
	if err := eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 50)); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if got := notifier.kinds(); len(got) != 0 {
		t.Fatalf("events before anchor = %v, want none", got)
	}

	// Once anchored, evaluation resumes and a genuine departure fires.
	if err := eval.SetOwnerPosition("peer-1", 52.0, 4.0); err != nil {
		t.Fatalf("set owner position: %v", err)
	}
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 50))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 600))

	kinds := notifier.kinds()
	if len(kinds) != 1 || kinds[0] != wire.GeofenceExit {
		t.Fatalf("events = %v, want [EXIT]", kinds)
	}
}

func TestOneShotKeepsUnnotifiedEventUntilDelivered(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{err: errors.New("push service down")}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	region.OneShot = true
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))

	// The failed notification must not trigger the cascade delete; the
	// event stays durable and the region stays, deactivated.
	pending, err := store.UnnotifiedEvents()
	if err != nil {
		t.Fatalf("unnotified: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unnotified = %d, want 1", len(pending))
	}
	kept, err := store.RegionForPeer("peer-1")
	if err != nil {
		t.Fatalf("region gone before delivery: %v", err)
	}
	if kept.Active {
		t.Error("fired one-shot region still active")
	}

	// No further transitions while deactivated.
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	pending, _ = store.UnnotifiedEvents()
	if len(pending) != 1 {
		t.Fatalf("deactivated region produced events: %d", len(pending))
	}

	// Reconciliation delivers the event, then finishes the removal.
	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	if err := eval.ReconcileUnnotified(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := len(notifier.kinds()); got != 1 {
		t.Errorf("delivered events = %d, want 1", got)
	}
	if _, err := store.RegionForPeer("peer-1"); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("one-shot region survived delivery: %v", err)
	}
}

func TestStoreBeforeNotify(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{err: errors.New("push service down")}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))

	// The event is durable despite the failed notification.
	pending, err := store.UnnotifiedEvents()
	if err != nil {
		t.Fatalf("unnotified: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unnotified = %d, want 1", len(pending))
	}

	// Reconciliation resumes delivery once the notifier recovers.
	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	if err := eval.ReconcileUnnotified(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := len(notifier.kinds()); got != 1 {
		t.Errorf("delivered events = %d, want 1", got)
	}
	pending, _ = store.UnnotifiedEvents()
	if len(pending) != 0 {
		t.Errorf("unnotified after reconcile = %d", len(pending))
	}
}

func TestRestartDoesNotReplayTransitions(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))
	if got := len(notifier.kinds()); got != 1 {
		t.Fatalf("events before restart = %d, want 1", got)
	}

	// A fresh evaluator over the same store sees the persisted
	// membership; the same inside position produces no second enter.
	notifier2 := &recordingNotifier{}
	eval2, err := NewEvaluator(store, notifier2)
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	_ = eval2.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 100))
	if got := len(notifier2.kinds()); got != 0 {
		t.Errorf("events after restart = %d, want 0", got)
	}
}

func TestDuplicateSamplesAreIdempotent(t *testing.T) {
	store := openTestStore(t)
	notifier := &recordingNotifier{}
	eval, _ := NewEvaluator(store, notifier)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	ctx := context.Background()
	_ = eval.HandleSample(ctx, sampleAt("peer-1", 52.0, 4.0, 500))
	inside := sampleAt("peer-1", 52.0, 4.0, 100)
	for i := 0; i < 5; i++ {
		_ = eval.HandleSample(ctx, inside)
	}
	if got := len(notifier.kinds()); got != 1 {
		t.Errorf("events from duplicates = %d, want 1", got)
	}
}

func TestRadiusClamps(t *testing.T) {
	tests := []struct {
		kind   RegionKind
		radius float64
		want   float64
	}{
		{KindFixed, 10, MinRadiusFixed},
		{KindFixed, 250, 250},
		{KindRelative, 10, MinRadiusRelative},
		{KindRelative, 75, 75},
	}
	for _, tt := range tests {
		if got := ClampRadius(tt.kind, tt.radius); got != tt.want {
			t.Errorf("ClampRadius(%s, %v) = %v, want %v", tt.kind, tt.radius, got, tt.want)
		}
	}
}

func TestOneRegionPerPeer(t *testing.T) {
	store := openTestStore(t)

	first := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(first); err != nil {
		t.Fatalf("save region: %v", err)
	}
	second := fixedRegion("peer-1", 53.0, 5.0, 300, TriggerExit)
	if err := store.SaveRegion(second); !errors.Is(err, ErrPeerHasRegion) {
		t.Errorf("second region save = %v, want ErrPeerHasRegion", err)
	}

	// Updating the existing region through SaveRegion is allowed.
	first.Label = "home"
	if err := store.SaveRegion(first); err != nil {
		t.Errorf("update via save = %v", err)
	}
}

func TestDeleteRegionCascadesEvents(t *testing.T) {
	store := openTestStore(t)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}
	ev := &Event{RegionID: region.ID, PeerID: "peer-1", Kind: wire.GeofenceEnter}
	if err := store.AppendEvent(ev); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := store.DeleteRegion(region.ID); err != nil {
		t.Fatalf("delete region: %v", err)
	}

	events, err := store.UnnotifiedEvents()
	if err != nil {
		t.Fatalf("unnotified: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events survived cascade delete: %d", len(events))
	}
}

func TestPruneEvents(t *testing.T) {
	store := openTestStore(t)

	region := fixedRegion("peer-1", 52.0, 4.0, 200, TriggerEnter)
	if err := store.SaveRegion(region); err != nil {
		t.Fatalf("save region: %v", err)
	}

	old := &Event{RegionID: region.ID, PeerID: "peer-1", Kind: wire.GeofenceEnter, At: time.Now().Add(-48 * time.Hour)}
	fresh := &Event{RegionID: region.ID, PeerID: "peer-1", Kind: wire.GeofenceExit, At: time.Now()}
	if err := store.AppendEvent(old); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	pruned, err := store.PruneEvents(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestDistanceMeters(t *testing.T) {
	// One degree of latitude is about 111.2 km on the reference sphere.
	got := DistanceMeters(52.0, 4.0, 53.0, 4.0)
	if math.Abs(got-metersPerLatDegree) > 1 {
		t.Errorf("one-degree distance = %v, want about %v", got, metersPerLatDegree)
	}

	if d := DistanceMeters(52.0, 4.0, 52.0, 4.0); d != 0 {
		t.Errorf("zero distance = %v", d)
	}
}
