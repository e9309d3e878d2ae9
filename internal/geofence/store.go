// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package geofence evaluates peer position streams against circular
// regions and emits enter/exit events. Regions and events persist in
// BadgerDB; events are recorded before any notification side effect so
// a crash never loses a detected transition.
package geofence

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mveld/trailmesh/internal/wire"
)

// TriggerPolicy selects which transitions a region reports.
type TriggerPolicy string

// Trigger policies.
const (
	TriggerEnter TriggerPolicy = "enter"
	TriggerExit  TriggerPolicy = "exit"
	TriggerBoth  TriggerPolicy = "both"
)

// Includes reports whether the policy covers an event kind.
func (p TriggerPolicy) Includes(kind wire.GeofenceEventKind) bool {
	switch kind {
	case wire.GeofenceEnter:
		return p == TriggerEnter || p == TriggerBoth
	case wire.GeofenceExit:
		return p == TriggerExit || p == TriggerBoth
	default:
		return false
	}
}

// RegionKind distinguishes fixed regions from ones anchored to the
// owner's moving position.
type RegionKind string

// Region kinds.
const (
	KindFixed    RegionKind = "fixed"
	KindRelative RegionKind = "relative"
)

// Radius floors in meters. A relative region may be tighter because
// both endpoints move.
const (
	MinRadiusFixed    = 100.0
	MinRadiusRelative = 50.0
)

// Region is one monitored circle around a coordinate. Each peer has at
// most one region.
type Region struct {
	ID       string        `json:"id"`
	PeerID   string        `json:"peer_id"`
	Label    string        `json:"label,omitempty"`
	Lat      float64       `json:"lat"`
	Lng      float64       `json:"lng"`
	Radius   float64       `json:"radius"`
	Trigger  TriggerPolicy `json:"trigger"`
	Active   bool          `json:"active"`
	OneShot  bool          `json:"one_shot"`
	Kind     RegionKind    `json:"kind"`
	OwnerLat float64       `json:"owner_lat,omitempty"`
	OwnerLng float64       `json:"owner_lng,omitempty"`

	// OwnerSet records that a relative region's anchor has been seeded
	// with a real fix. An unanchored relative region is not evaluated;
	// (0,0) is a coordinate, not a sentinel.
	OwnerSet bool `json:"owner_set,omitempty"`

	// WasInsideOnCreate suppresses the synthetic transition the first
	// sample would produce for a region created around a peer already
	// inside it.
	WasInsideOnCreate bool `json:"was_inside_on_create"`

	// LastInside is the persisted membership baseline, updated on
	// every evaluated sample so a restart does not replay transitions.
	LastInside bool `json:"last_inside"`

	CreatedAt time.Time `json:"created_at"`
}

// Event is one recorded region transition. Append-only; cascade-deleted
// with its region.
type Event struct {
	ID       string                 `json:"id"`
	RegionID string                 `json:"region_id"`
	PeerID   string                 `json:"peer_id"`
	Kind     wire.GeofenceEventKind `json:"kind"`
	Lat      float64                `json:"lat"`
	Lng      float64                `json:"lng"`
	At       time.Time              `json:"at"`
	Notified bool                   `json:"notified"`
}

// Store errors.
var (
	ErrRegionNotFound = errors.New("geofence: region not found")
	ErrPeerHasRegion  = errors.New("geofence: peer already has a region")
	ErrEventNotFound  = errors.New("geofence: event not found")
)

// Key layout: regions by id, a peer index enforcing the one-region-per-
// peer invariant, and events ordered per region by sequence.
const (
	prefixRegion   = "r:"
	prefixPeerIdx  = "rp:"
	prefixEvent    = "e:"
	prefixEventIdx = "ei:"
)

// Store persists regions and events in BadgerDB. An existing handle is
// shared with the process; the store only claims its own key prefixes.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewStore wraps a BadgerDB handle.
func NewStore(db *badger.DB) (*Store, error) {
	seq, err := db.GetSequence([]byte("geofence-seq"), 64)
	if err != nil {
		return nil, fmt.Errorf("open sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Close releases the event sequence lease. The DB handle belongs to the
// caller.
func (s *Store) Close() error {
	return s.seq.Release()
}

// SaveRegion creates or updates a region, clamping the radius to the
// kind's floor. Creating a second region for a peer fails.
func (s *Store) SaveRegion(r *Region) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Radius = ClampRadius(r.Kind, r.Radius)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal region: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(peerIdxKey(r.PeerID))
		if err == nil {
			var existingID string
			if err := item.Value(func(val []byte) error {
				existingID = string(val)
				return nil
			}); err != nil {
				return err
			}
			if existingID != r.ID {
				return ErrPeerHasRegion
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(regionKey(r.ID), data); err != nil {
			return err
		}
		return txn.Set(peerIdxKey(r.PeerID), []byte(r.ID))
	})
}

// ClampRadius applies the minimum radius for a region kind.
func ClampRadius(kind RegionKind, radius float64) float64 {
	min := MinRadiusFixed
	if kind == KindRelative {
		min = MinRadiusRelative
	}
	if radius < min {
		return min
	}
	return radius
}

// GetRegion returns a region by id.
func (s *Store) GetRegion(id string) (*Region, error) {
	var region *Region
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := loadRegion(txn, id)
		if err != nil {
			return err
		}
		region = r
		return nil
	})
	return region, err
}

// RegionForPeer returns the region monitoring a peer, if any.
func (s *Store) RegionForPeer(peerID string) (*Region, error) {
	var region *Region
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(peerIdxKey(peerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRegionNotFound
		}
		if err != nil {
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		r, err := loadRegion(txn, id)
		if err != nil {
			return err
		}
		region = r
		return nil
	})
	return region, err
}

// Regions returns all regions.
func (s *Store) Regions() ([]*Region, error) {
	var regions []*Region
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   32,
			Prefix:         []byte(prefixRegion),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Region
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			region := r
			regions = append(regions, &region)
		}
		return nil
	})
	return regions, err
}

// DeleteRegion removes a region and cascade-deletes its events.
func (s *Store) DeleteRegion(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		region, err := loadRegion(txn, id)
		if err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   32,
			Prefix:         []byte(prefixEvent + id + ":"),
		})
		type victim struct {
			key     []byte
			eventID string
		}
		var victims []victim
		for it.Rewind(); it.Valid(); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				it.Close()
				return err
			}
			victims = append(victims, victim{
				key:     it.Item().KeyCopy(nil),
				eventID: ev.ID,
			})
		}
		it.Close()

		for _, v := range victims {
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			if err := txn.Delete(eventIdxKey(v.eventID)); err != nil {
				return err
			}
		}

		if err := txn.Delete(peerIdxKey(region.PeerID)); err != nil {
			return err
		}
		return txn.Delete(regionKey(id))
	})
}

// UpdateRegion applies a mutation to a stored region atomically.
func (s *Store) UpdateRegion(id string, fn func(*Region)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		region, err := loadRegion(txn, id)
		if err != nil {
			return err
		}
		fn(region)
		region.Radius = ClampRadius(region.Kind, region.Radius)
		data, err := json.Marshal(region)
		if err != nil {
			return fmt.Errorf("marshal region: %w", err)
		}
		return txn.Set(regionKey(id), data)
	})
}

// AppendEvent durably records a transition. Events sort per region in
// append order.
func (s *Store) AppendEvent(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	seq, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	key := eventKey(ev.RegionID, seq)

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(eventIdxKey(ev.ID), key)
	})
}

// MarkNotified flags an event as delivered to the notification side.
func (s *Store) MarkNotified(eventID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(eventIdxKey(eventID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		var ev Event
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		}); err != nil {
			return err
		}
		ev.Notified = true
		data, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// UnnotifiedEvents returns recorded events whose notification never
// completed, in append order.
func (s *Store) UnnotifiedEvents() ([]*Event, error) {
	var events []*Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   32,
			Prefix:         []byte(prefixEvent),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			if !ev.Notified {
				event := ev
				events = append(events, &event)
			}
		}
		return nil
	})
	return events, err
}

// PruneEvents removes events older than the retention window and
// returns how many were deleted.
func (s *Store) PruneEvents(olderThan time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   32,
			Prefix:         []byte(prefixEvent),
		})
		type victim struct {
			key     []byte
			eventID string
		}
		var victims []victim
		for it.Rewind(); it.Valid(); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				it.Close()
				return err
			}
			if ev.At.Before(olderThan) {
				victims = append(victims, victim{
					key:     it.Item().KeyCopy(nil),
					eventID: ev.ID,
				})
			}
		}
		it.Close()

		for _, v := range victims {
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			if err := txn.Delete(eventIdxKey(v.eventID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func loadRegion(txn *badger.Txn, id string) (*Region, error) {
	item, err := txn.Get(regionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRegionNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Region
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

func regionKey(id string) []byte {
	return []byte(prefixRegion + id)
}

func peerIdxKey(peerID string) []byte {
	return []byte(prefixPeerIdx + peerID)
}

func eventKey(regionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixEvent, regionID, seq))
}

func eventIdxKey(id string) []byte {
	return []byte(prefixEventIdx + id)
}
