// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package model

import (
	"time"

	"github.com/mveld/trailmesh/internal/wire"
)

// LocationSample is an immutable position report for one device.
// A sample is never mutated after construction; a newer sample with
// the same owner supersedes it (last-write-wins on the scalar position).
type LocationSample struct {
	Owner      string
	DeviceID   string
	DeviceName string
	Lat        float64
	Lng        float64
	CoordType  wire.CoordType
	Bearing    float64
	Accuracy   float64
	Speed      float64
	Battery    int
	DeviceType string
	IsOnline   bool
	CapturedAt time.Time
	SharedWith []string
}

// SampleFromUpdate converts a decoded wire location update into a sample.
func SampleFromUpdate(u *wire.LocationUpdate) LocationSample {
	shared := make([]string, len(u.SharedWith))
	copy(shared, u.SharedWith)

	return LocationSample{
		Owner:      u.UserID,
		DeviceID:   u.DeviceID,
		DeviceName: u.DeviceName,
		Lat:        u.Lat,
		Lng:        u.Lng,
		CoordType:  u.CoordType,
		Bearing:    u.Bearing,
		Speed:      u.Speed,
		Accuracy:   u.Accuracy,
		Battery:    u.Battery,
		DeviceType: u.DeviceType,
		IsOnline:   u.IsOnline,
		CapturedAt: u.CapturedAt(),
		SharedWith: shared,
	}
}

// ToUpdate converts a sample into its wire form for publishing.
func (s LocationSample) ToUpdate() *wire.LocationUpdate {
	shared := make([]string, len(s.SharedWith))
	copy(shared, s.SharedWith)

	return &wire.LocationUpdate{
		Type:       wire.TypeLocationUpdate,
		DeviceID:   s.DeviceID,
		UserID:     s.Owner,
		DeviceName: s.DeviceName,
		Lat:        s.Lat,
		Lng:        s.Lng,
		Bearing:    s.Bearing,
		Speed:      s.Speed,
		Accuracy:   s.Accuracy,
		Battery:    s.Battery,
		DeviceType: s.DeviceType,
		IsOnline:   s.IsOnline,
		Timestamp:  s.CapturedAt.UnixMilli(),
		SharedWith: shared,
		CoordType:  wire.ParseCoordType(string(s.CoordType)),
	}
}

// Identity supplies the local user and device identifiers.
// Identity issuance is an external collaborator; components receive an
// Identity instead of reading configuration directly.
type Identity interface {
	UserID() string
	DeviceID() string
	DeviceName() string
	DeviceType() string
}

// StaticIdentity is an Identity fixed at construction, typically from
// configuration.
type StaticIdentity struct {
	User   string
	Device string
	Name   string
	Type   string
}

// UserID implements Identity.
func (s StaticIdentity) UserID() string { return s.User }

// DeviceID implements Identity.
func (s StaticIdentity) DeviceID() string { return s.Device }

// DeviceName implements Identity.
func (s StaticIdentity) DeviceName() string { return s.Name }

// DeviceType implements Identity.
func (s StaticIdentity) DeviceType() string { return s.Type }
