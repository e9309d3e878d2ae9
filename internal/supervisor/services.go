// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package supervisor

import (
	"context"
	"time"

	"github.com/mveld/trailmesh/internal/geofence"
	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/outbox"
)

// ServiceFunc adapts a run function to suture.Service.
type ServiceFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Serve implements suture.Service.
func (s ServiceFunc) Serve(ctx context.Context) error {
	return s.Fn(ctx)
}

// String names the service in suture events.
func (s ServiceFunc) String() string {
	return s.Name
}

// CompactorService adapts the outbox compactor's Start/Stop lifecycle
// to a blocking Serve loop.
type CompactorService struct {
	Compactor *outbox.Compactor
}

// Serve implements suture.Service.
func (s CompactorService) Serve(ctx context.Context) error {
	if err := s.Compactor.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Compactor.Stop(); err != nil {
		logging.Warn().Err(err).Msg("outbox compactor stop failed")
	}
	return ctx.Err()
}

// String names the service in suture events.
func (s CompactorService) String() string {
	return "outbox-compactor"
}

// EventPruneService periodically removes old delivered geofence events.
type EventPruneService struct {
	Store     *geofence.Store
	Retention time.Duration
	Every     time.Duration
}

// Serve implements suture.Service.
func (s EventPruneService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pruned, err := s.Store.PruneEvents(time.Now().Add(-s.Retention))
			if err != nil {
				logging.Warn().Err(err).Msg("geofence event prune failed")
				continue
			}
			if pruned > 0 {
				logging.Debug().Int("pruned", pruned).Msg("old geofence events removed")
			}
		}
	}
}

// String names the service in suture events.
func (s EventPruneService) String() string {
	return "geofence-event-prune"
}

// ExpirySweepService marks relationships past their expiry so the
// subscription and scheduler reconcilers pick the change up without
// waiting for another mutation.
type ExpirySweepService struct {
	Rels  *model.RelationshipStore
	Every time.Duration
}

// Serve implements suture.Service.
func (s ExpirySweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for _, rel := range s.Rels.Snapshot() {
				if rel.Status != model.StatusAccepted || rel.ExpiresAt == nil || now.Before(*rel.ExpiresAt) {
					continue
				}
				if err := s.Rels.MarkExpired(rel.PeerID); err == nil {
					logging.Info().Str("peer", rel.PeerID).Msg("relationship expired")
				}
			}
		}
	}
}

// String names the service in suture events.
func (s ExpirySweepService) String() string {
	return "relationship-expiry-sweep"
}
