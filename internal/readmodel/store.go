// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package readmodel holds display state derived from the peer message
// stream: last known positions and presence per peer. It is a
// collaborator of the core, not a source of truth; losing it costs
// nothing but a cold UI.
package readmodel

import (
	"sort"
	"sync"
	"time"

	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/wire"
)

// PresenceEntry is the last reported reachability of a peer.
type PresenceEntry struct {
	UserID   string              `json:"user_id"`
	DeviceID string              `json:"device_id,omitempty"`
	Status   wire.PresenceStatus `json:"status"`
	At       time.Time           `json:"at"`
}

// Store accepts upserts keyed by peer and device id.
type Store interface {
	UpsertPosition(sample model.LocationSample)
	Position(owner string) (model.LocationSample, bool)
	Positions() []model.LocationSample
	UpsertPresence(entry PresenceEntry)
	Presence(userID string) (PresenceEntry, bool)
	Presences() []PresenceEntry
}

// Memory is the in-process Store. Last-write-wins per owner; a sample
// older than the stored one is ignored.
type Memory struct {
	mu        sync.RWMutex
	positions map[string]model.LocationSample
	presence  map[string]PresenceEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		positions: make(map[string]model.LocationSample),
		presence:  make(map[string]PresenceEntry),
	}
}

// UpsertPosition stores a sample unless a newer one for the same owner
// is already present.
func (m *Memory) UpsertPosition(sample model.LocationSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.positions[sample.Owner]; ok && existing.CapturedAt.After(sample.CapturedAt) {
		return
	}
	m.positions[sample.Owner] = sample
}

// Position returns the last known sample for an owner.
func (m *Memory) Position(owner string) (model.LocationSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.positions[owner]
	return s, ok
}

// Positions returns all last known samples sorted by owner.
func (m *Memory) Positions() []model.LocationSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.LocationSample, 0, len(m.positions))
	for _, s := range m.positions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// UpsertPresence stores a presence entry unless a newer one exists.
func (m *Memory) UpsertPresence(entry PresenceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.presence[entry.UserID]; ok && existing.At.After(entry.At) {
		return
	}
	m.presence[entry.UserID] = entry
}

// Presence returns the last presence entry for a user.
func (m *Memory) Presence(userID string) (PresenceEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.presence[userID]
	return e, ok
}

// Presences returns all presence entries sorted by user.
func (m *Memory) Presences() []PresenceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(m.presence))
	for _, e := range m.presence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
