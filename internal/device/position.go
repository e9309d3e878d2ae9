// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package device holds the local device's last platform-reported
// position fix. The platform layer (GPS, fused location) reports fixes
// in; the tracking machine samples them out, and observers follow the
// owner's movement.
package device

import (
	"context"
	"errors"
	"sync"

	"github.com/mveld/trailmesh/internal/model"
)

// ErrNoFix is returned while no position has been reported yet.
var ErrNoFix = errors.New("device: no position fix reported")

// Observer is notified after each reported fix.
type Observer func(sample model.LocationSample)

// PositionSource stores the latest own-device fix. Implements the
// tracking machine's sampler. Safe for concurrent use.
type PositionSource struct {
	mu        sync.RWMutex
	last      model.LocationSample
	hasFix    bool
	observers []Observer
}

// NewPositionSource creates an empty source.
func NewPositionSource() *PositionSource {
	return &PositionSource{}
}

// Observe registers an observer for future fixes. Not safe to call
// concurrently with Report; register during wiring.
func (s *PositionSource) Observe(fn Observer) {
	s.observers = append(s.observers, fn)
}

// Report stores a new fix and notifies observers in registration order.
func (s *PositionSource) Report(sample model.LocationSample) {
	s.mu.Lock()
	s.last = sample
	s.hasFix = true
	s.mu.Unlock()

	for _, fn := range s.observers {
		fn(sample)
	}
}

// Sample returns the latest fix. Implements tracking.Sampler.
func (s *PositionSource) Sample(ctx context.Context) (model.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasFix {
		return model.LocationSample{}, ErrNoFix
	}
	return s.last, nil
}

// Last returns the latest fix without error semantics.
func (s *PositionSource) Last() (model.LocationSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasFix
}
