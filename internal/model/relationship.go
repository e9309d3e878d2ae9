// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package model holds the core domain values shared across components:
// peer relationships, location samples, and the local identity.
package model

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mveld/trailmesh/internal/logging"
)

// RelationshipStatus is the local-side lifecycle state of a relationship.
type RelationshipStatus string

// Relationship statuses. Unknown values decode to pending, the state
// that grants no visibility in either direction.
const (
	StatusPending  RelationshipStatus = "pending"
	StatusAccepted RelationshipStatus = "accepted"
	StatusRejected RelationshipStatus = "rejected"
	StatusExpired  RelationshipStatus = "expired"
	StatusRemoved  RelationshipStatus = "removed"
)

// ParseRelationshipStatus decodes a status with pending fallback.
func ParseRelationshipStatus(s string) RelationshipStatus {
	switch RelationshipStatus(strings.ToLower(s)) {
	case StatusAccepted:
		return StatusAccepted
	case StatusRejected:
		return StatusRejected
	case StatusExpired:
		return StatusExpired
	case StatusRemoved:
		return StatusRemoved
	default:
		return StatusPending
	}
}

// Direction is who shares with whom within a relationship, seen from
// the local side.
type Direction string

// Relationship directions with mutual fallback.
const (
	DirectionIShare    Direction = "i_share"
	DirectionTheyShare Direction = "they_share"
	DirectionMutual    Direction = "mutual"
)

// ParseDirection decodes a direction with mutual fallback.
func ParseDirection(s string) Direction {
	switch Direction(strings.ToLower(s)) {
	case DirectionIShare:
		return DirectionIShare
	case DirectionTheyShare:
		return DirectionTheyShare
	default:
		return DirectionMutual
	}
}

// PeerRelationship is one sharing relationship with another identity.
// At most one relationship exists per peer identifier.
type PeerRelationship struct {
	ID        string             `json:"id"`
	PeerID    string             `json:"peer_id"`
	PeerName  string             `json:"peer_name,omitempty"`
	Status    RelationshipStatus `json:"status"`
	Direction Direction          `json:"direction"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Paused    bool               `json:"paused"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Inbound reports whether the peer shares toward the local user.
func (r PeerRelationship) Inbound() bool {
	return r.Direction == DirectionTheyShare || r.Direction == DirectionMutual
}

// Live reports whether the relationship currently grants visibility:
// accepted, not paused, and not past its expiry.
func (r PeerRelationship) Live(now time.Time) bool {
	if r.Status != StatusAccepted || r.Paused {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	return true
}

// Relationship store errors.
var (
	ErrNoRelationship = errors.New("model: no relationship with peer")
	ErrDuplicatePeer  = errors.New("model: relationship already exists for peer")
)

// RelationshipStore owns the relationship set. It is the sole writer;
// the subscription manager and the sync scheduler observe ordered
// snapshots over Watch channels and never mutate it.
type RelationshipStore struct {
	mu       sync.Mutex
	byPeer   map[string]PeerRelationship
	watchers []chan []PeerRelationship
}

// NewRelationshipStore creates an empty relationship store.
func NewRelationshipStore() *RelationshipStore {
	return &RelationshipStore{
		byPeer: make(map[string]PeerRelationship),
	}
}

// Watch returns a channel delivering the full relationship snapshot
// after every change, in change order. The channel is buffered; the
// consumer must keep up, and each consumer has exactly one goroutine
// reading it so reconciliation never runs against a stale set while a
// newer one is being processed.
func (s *RelationshipStore) Watch() <-chan []PeerRelationship {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []PeerRelationship, 32)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Invite records a new pending relationship with a peer.
func (s *RelationshipStore) Invite(peerID, peerName string, dir Direction, expires *time.Time) (PeerRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byPeer[peerID]; ok && existing.Status != StatusRemoved {
		return PeerRelationship{}, ErrDuplicatePeer
	}

	now := time.Now().UTC()
	rel := PeerRelationship{
		ID:        uuid.New().String(),
		PeerID:    peerID,
		PeerName:  peerName,
		Status:    StatusPending,
		Direction: dir,
		ExpiresAt: expires,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byPeer[peerID] = rel
	s.notifyLocked()
	return rel, nil
}

// Accept marks a pending relationship accepted.
func (s *RelationshipStore) Accept(peerID string) error {
	return s.update(peerID, func(r *PeerRelationship) {
		r.Status = StatusAccepted
	})
}

// Reject marks a pending relationship rejected.
func (s *RelationshipStore) Reject(peerID string) error {
	return s.update(peerID, func(r *PeerRelationship) {
		r.Status = StatusRejected
	})
}

// SetPaused pauses or resumes sharing with a peer.
func (s *RelationshipStore) SetPaused(peerID string, paused bool) error {
	return s.update(peerID, func(r *PeerRelationship) {
		r.Paused = paused
	})
}

// MarkExpired transitions a relationship past its expiry to expired.
func (s *RelationshipStore) MarkExpired(peerID string) error {
	return s.update(peerID, func(r *PeerRelationship) {
		r.Status = StatusExpired
	})
}

// RemoveRemote soft-deletes a relationship after the peer removed us.
// The record stays visible with status removed until the local user
// clears it.
func (s *RelationshipStore) RemoveRemote(peerID string) error {
	return s.update(peerID, func(r *PeerRelationship) {
		r.Status = StatusRemoved
	})
}

// Delete hard-deletes a relationship on local stop-sharing.
func (s *RelationshipStore) Delete(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPeer[peerID]; !ok {
		return ErrNoRelationship
	}
	delete(s.byPeer, peerID)
	s.notifyLocked()
	return nil
}

// Get returns the relationship with a peer, if any.
func (s *RelationshipStore) Get(peerID string) (PeerRelationship, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.byPeer[peerID]
	return rel, ok
}

// Snapshot returns all relationships sorted by peer identifier.
func (s *RelationshipStore) Snapshot() []PeerRelationship {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *RelationshipStore) update(peerID string, fn func(*PeerRelationship)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.byPeer[peerID]
	if !ok {
		return ErrNoRelationship
	}
	fn(&rel)
	rel.UpdatedAt = time.Now().UTC()
	s.byPeer[peerID] = rel
	s.notifyLocked()
	return nil
}

func (s *RelationshipStore) snapshotLocked() []PeerRelationship {
	rels := make([]PeerRelationship, 0, len(s.byPeer))
	for _, r := range s.byPeer {
		rels = append(rels, r)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].PeerID < rels[j].PeerID })
	return rels
}

func (s *RelationshipStore) notifyLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// A watcher that stopped consuming loses intermediate
			// snapshots, never the latest: drain one and retry.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
				logging.Warn().Msg("relationship watcher not keeping up, snapshot dropped")
			}
		}
	}
}
