// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package geofence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/wire"
)

// Notifier delivers a detected transition to the outside world. The
// event is already persisted when Notify runs; a failure leaves it
// unnotified for a later reconciliation pass.
type Notifier interface {
	Notify(ctx context.Context, ev *Event, region *Region) error
}

// Evaluator turns a stream of peer samples into region transitions.
// Membership is tracked per region and compared sample by sample, so
// duplicate samples are idempotent and gaps produce no false
// transitions.
type Evaluator struct {
	store    *Store
	notifier Notifier

	mu     sync.Mutex
	inside map[string]bool // region id -> last membership
}

// NewEvaluator creates an evaluator over the given store. Membership
// baselines come from the persisted regions, so a restart resumes
// without replaying old transitions.
func NewEvaluator(store *Store, notifier Notifier) (*Evaluator, error) {
	regions, err := store.Regions()
	if err != nil {
		return nil, err
	}

	inside := make(map[string]bool, len(regions))
	for _, r := range regions {
		inside[r.ID] = r.LastInside
	}

	return &Evaluator{
		store:    store,
		notifier: notifier,
		inside:   inside,
	}, nil
}

// HandleSample evaluates one peer sample against that peer's region,
// if any. Detection is store-before-notify: the event is durable before
// the notifier runs.
func (e *Evaluator) HandleSample(ctx context.Context, sample model.LocationSample) error {
	region, err := e.store.RegionForPeer(sample.Owner)
	if err == ErrRegionNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !region.Active {
		return nil
	}

	metrics.GeofenceEvaluations.Inc()

	centerLat, centerLng := region.Lat, region.Lng
	if region.Kind == KindRelative {
		if !region.OwnerSet {
			// No anchor yet; evaluating against the zero coordinate
			// would fabricate a transition half a planet away.
			return nil
		}
		centerLat, centerLng = region.OwnerLat, region.OwnerLng
	}
	dist := DistanceMeters(sample.Lat, sample.Lng, centerLat, centerLng)
	member := dist <= region.Radius

	e.mu.Lock()
	prev, seen := e.inside[region.ID]
	if !seen {
		prev = region.WasInsideOnCreate
	}
	e.inside[region.ID] = member
	e.mu.Unlock()

	if member == prev {
		return nil
	}

	if err := e.store.UpdateRegion(region.ID, func(r *Region) {
		r.LastInside = member
	}); err != nil {
		logging.Error().Err(err).Str("region", region.ID).Msg("membership persist failed")
	}

	kind := wire.GeofenceExit
	if member {
		kind = wire.GeofenceEnter
	}
	if !region.Trigger.Includes(kind) {
		return nil
	}

	ev := &Event{
		RegionID: region.ID,
		PeerID:   sample.Owner,
		Kind:     kind,
		Lat:      sample.Lat,
		Lng:      sample.Lng,
		At:       sample.CapturedAt,
	}
	if err := e.store.AppendEvent(ev); err != nil {
		return err
	}
	metrics.GeofenceEvents.WithLabelValues(string(kind)).Inc()
	logging.Info().
		Str("region", region.ID).
		Str("peer", sample.Owner).
		Str("kind", string(kind)).
		Float64("distance_m", dist).
		Msg("geofence transition")

	delivered := e.dispatch(ctx, ev, region)

	if region.OneShot {
		if !delivered {
			// Deleting now would cascade away the still-unnotified
			// event. Deactivate instead; the reconciler finishes the
			// removal once delivery succeeds.
			if err := e.store.UpdateRegion(region.ID, func(r *Region) {
				r.Active = false
			}); err != nil {
				logging.Error().Err(err).Str("region", region.ID).Msg("one-shot region deactivate failed")
			}
			return nil
		}
		e.removeOneShot(region.ID)
	}
	return nil
}

func (e *Evaluator) removeOneShot(regionID string) {
	if err := e.store.DeleteRegion(regionID); err != nil {
		logging.Error().Err(err).Str("region", regionID).Msg("one-shot region delete failed")
		return
	}
	e.mu.Lock()
	delete(e.inside, regionID)
	e.mu.Unlock()
}

// SetOwnerPosition refreshes the anchor coordinate of the relative
// region monitoring a peer. No-op for fixed regions.
func (e *Evaluator) SetOwnerPosition(peerID string, lat, lng float64) error {
	region, err := e.store.RegionForPeer(peerID)
	if err == ErrRegionNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if region.Kind != KindRelative {
		return nil
	}
	return e.store.UpdateRegion(region.ID, func(r *Region) {
		r.OwnerLat = lat
		r.OwnerLng = lng
		r.OwnerSet = true
	})
}

// ReconcileUnnotified retries notification for events recorded before a
// crash or notifier outage. Safe to run at any time; already-notified
// events are untouched.
func (e *Evaluator) ReconcileUnnotified(ctx context.Context) error {
	events, err := e.store.UnnotifiedEvents()
	if err != nil {
		return err
	}
	for _, ev := range events {
		region, err := e.store.GetRegion(ev.RegionID)
		if err == ErrRegionNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !e.dispatch(ctx, ev, region) {
			continue
		}
		// A deactivated one-shot region was kept alive only for this
		// event; its delete was deferred until delivery.
		if region.OneShot && !region.Active {
			e.removeOneShot(region.ID)
		}
	}
	return nil
}

// RunReconciler periodically resumes unnotified events until ctx is
// canceled.
func (e *Evaluator) RunReconciler(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ReconcileUnnotified(ctx); err != nil {
				logging.Error().Err(err).Msg("geofence reconciliation failed")
			}
		}
	}
}

// dispatch reports whether the notifier accepted the event.
func (e *Evaluator) dispatch(ctx context.Context, ev *Event, region *Region) bool {
	if e.notifier == nil {
		return true
	}
	if err := e.notifier.Notify(ctx, ev, region); err != nil {
		metrics.GeofenceNotifyFailures.Inc()
		logging.Warn().Err(err).Str("event", ev.ID).Msg("geofence notification failed")
		return false
	}
	if err := e.store.MarkNotified(ev.ID); err != nil {
		logging.Error().Err(err).Str("event", ev.ID).Msg("mark notified failed")
	}
	return true
}

// DistanceMeters computes the great-circle distance between two
// coordinates using the haversine formula.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c * 1000
}
