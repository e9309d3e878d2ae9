// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package wire defines the typed messages exchanged between peers and the
// codec that serializes them to a compact JSON form.
//
// Every payload carries a single "type" discriminator field. Enumerated
// fields decode with an explicit fallback rule: unknown values coerce to a
// documented default instead of failing, so newer peers can introduce
// values without breaking older ones.
package wire

import (
	"strings"
	"time"
)

// MessageType is the wire discriminator carried in every payload.
type MessageType string

// Wire message types.
const (
	TypeLocationUpdate MessageType = "location_update"
	TypePresenceUpdate MessageType = "presence_update"
	TypeShareRequest   MessageType = "share_request"
	TypeShareResponse  MessageType = "share_response"
	TypeSharePause     MessageType = "share_pause"
	TypeGeofenceEvent  MessageType = "geofence_event"
	TypeGeofenceSync   MessageType = "geofence_sync"
	TypeDeviceCommand  MessageType = "device_command"
)

// CoordType tags the coordinate system of a position.
type CoordType string

// Supported coordinate systems. WGS84 is the wire default: payloads from
// older peers omit the tag entirely, and those coordinates have always
// been WGS84. The default is part of the wire contract, not a convenience.
const (
	CoordWGS84 CoordType = "wgs84"
	CoordGCJ02 CoordType = "gcj02"
)

// ParseCoordType decodes a coordinate system tag.
// Empty and unknown values coerce to CoordWGS84.
func ParseCoordType(s string) CoordType {
	switch CoordType(strings.ToLower(s)) {
	case CoordGCJ02:
		return CoordGCJ02
	default:
		return CoordWGS84
	}
}

// PresenceStatus is a peer device's reachability state.
type PresenceStatus string

// Presence states. Unknown values coerce to offline, the conservative
// default for wake-up decisions.
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ParsePresenceStatus decodes a presence status with offline fallback.
func ParsePresenceStatus(s string) PresenceStatus {
	switch PresenceStatus(strings.ToLower(s)) {
	case PresenceOnline:
		return PresenceOnline
	case PresenceAway:
		return PresenceAway
	default:
		return PresenceOffline
	}
}

// GeofenceEventKind is the transition kind carried in geofence events.
type GeofenceEventKind string

// Geofence event kinds. DWELL exists on the wire for forward
// compatibility but is never produced by sample-driven evaluation.
const (
	GeofenceEnter GeofenceEventKind = "ENTER"
	GeofenceExit  GeofenceEventKind = "EXIT"
	GeofenceDwell GeofenceEventKind = "DWELL"
)

// ParseGeofenceEventKind decodes an event kind with ENTER fallback.
func ParseGeofenceEventKind(s string) GeofenceEventKind {
	switch GeofenceEventKind(strings.ToUpper(s)) {
	case GeofenceExit:
		return GeofenceExit
	case GeofenceDwell:
		return GeofenceDwell
	default:
		return GeofenceEnter
	}
}

// CommandKind identifies a remote device action.
type CommandKind string

// Device command kinds. LocateLive doubles as the live-tracking heartbeat:
// a repeated locate_live refreshes the heartbeat deadline on the target.
const (
	CommandLocateOnce   CommandKind = "locate_once"
	CommandLocateLive   CommandKind = "locate_live"
	CommandStopTracking CommandKind = "stop_tracking"
	CommandPlaySound    CommandKind = "play_sound"
	CommandLostMode     CommandKind = "lost_mode"
)

// ParseCommandKind decodes a command kind with locate_once fallback.
func ParseCommandKind(s string) CommandKind {
	switch CommandKind(strings.ToLower(s)) {
	case CommandLocateLive:
		return CommandLocateLive
	case CommandStopTracking:
		return CommandStopTracking
	case CommandPlaySound:
		return CommandPlaySound
	case CommandLostMode:
		return CommandLostMode
	default:
		return CommandLocateOnce
	}
}

// SyncAction identifies a geofence configuration propagation action.
type SyncAction string

// Geofence sync actions with sync_all fallback.
const (
	SyncAll     SyncAction = "sync_all"
	SyncAdded   SyncAction = "added"
	SyncUpdated SyncAction = "updated"
	SyncRemoved SyncAction = "removed"
)

// ParseSyncAction decodes a sync action with sync_all fallback.
func ParseSyncAction(s string) SyncAction {
	switch SyncAction(strings.ToLower(s)) {
	case SyncAdded:
		return SyncAdded
	case SyncUpdated:
		return SyncUpdated
	case SyncRemoved:
		return SyncRemoved
	default:
		return SyncAll
	}
}

// Message is implemented by every wire payload.
type Message interface {
	// Kind returns the wire discriminator for the payload.
	Kind() MessageType

	// Validate checks required fields.
	Validate() error

	// normalize applies wire-compat defaults after decode.
	normalize()
}

// LocationUpdate broadcasts a peer device position.
type LocationUpdate struct {
	Type       MessageType `json:"type"`
	DeviceID   string      `json:"deviceId"`
	UserID     string      `json:"userId"`
	DeviceName string      `json:"deviceName,omitempty"`
	Lat        float64     `json:"lat"`
	Lng        float64     `json:"lng"`
	Bearing    float64     `json:"bearing,omitempty"`
	Speed      float64     `json:"speed,omitempty"` // meters per second
	Accuracy   float64     `json:"accuracy,omitempty"`
	Battery    int         `json:"battery"`
	DeviceType string      `json:"deviceType,omitempty"`
	IsOnline   bool        `json:"isOnline"`
	Timestamp  int64       `json:"timestamp"` // unix milliseconds
	SharedWith []string    `json:"sharedWith,omitempty"`
	CoordType  CoordType   `json:"coordType,omitempty"`
}

// Kind implements Message.
func (m *LocationUpdate) Kind() MessageType { return TypeLocationUpdate }

// Validate implements Message.
func (m *LocationUpdate) Validate() error {
	if m.DeviceID == "" {
		return &FieldError{Field: "deviceId", Message: "required"}
	}
	if m.UserID == "" {
		return &FieldError{Field: "userId", Message: "required"}
	}
	if m.Lat < -90 || m.Lat > 90 {
		return &FieldError{Field: "lat", Message: "out of range"}
	}
	if m.Lng < -180 || m.Lng > 180 {
		return &FieldError{Field: "lng", Message: "out of range"}
	}
	return nil
}

func (m *LocationUpdate) normalize() {
	m.Type = TypeLocationUpdate
	m.CoordType = ParseCoordType(string(m.CoordType))
}

// CapturedAt returns the capture timestamp as a time.Time.
func (m *LocationUpdate) CapturedAt() time.Time {
	return time.UnixMilli(m.Timestamp).UTC()
}

// PresenceUpdate announces a device's reachability state.
type PresenceUpdate struct {
	Type      MessageType    `json:"type"`
	DeviceID  string         `json:"deviceId"`
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// Kind implements Message.
func (m *PresenceUpdate) Kind() MessageType { return TypePresenceUpdate }

// Validate implements Message.
func (m *PresenceUpdate) Validate() error {
	if m.UserID == "" {
		return &FieldError{Field: "userId", Message: "required"}
	}
	return nil
}

func (m *PresenceUpdate) normalize() {
	m.Type = TypePresenceUpdate
	m.Status = ParsePresenceStatus(string(m.Status))
}

// ShareRequest invites a peer into a sharing relationship.
type ShareRequest struct {
	Type       MessageType `json:"type"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	ShareID    string      `json:"shareId"`
}

// Kind implements Message.
func (m *ShareRequest) Kind() MessageType { return TypeShareRequest }

// Validate implements Message.
func (m *ShareRequest) Validate() error {
	if m.SenderID == "" {
		return &FieldError{Field: "senderId", Message: "required"}
	}
	if m.ShareID == "" {
		return &FieldError{Field: "shareId", Message: "required"}
	}
	return nil
}

func (m *ShareRequest) normalize() { m.Type = TypeShareRequest }

// ShareResponse accepts or rejects a pending share request.
type ShareResponse struct {
	Type       MessageType `json:"type"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	ShareID    string      `json:"shareId"`
	Accepted   bool        `json:"accepted"`
}

// Kind implements Message.
func (m *ShareResponse) Kind() MessageType { return TypeShareResponse }

// Validate implements Message.
func (m *ShareResponse) Validate() error {
	if m.SenderID == "" {
		return &FieldError{Field: "senderId", Message: "required"}
	}
	if m.ShareID == "" {
		return &FieldError{Field: "shareId", Message: "required"}
	}
	return nil
}

func (m *ShareResponse) normalize() { m.Type = TypeShareResponse }

// SharePause pauses or resumes an accepted relationship.
type SharePause struct {
	Type     MessageType `json:"type"`
	SenderID string      `json:"senderId"`
	ShareID  string      `json:"shareId"`
	IsPaused bool        `json:"isPaused"`
}

// Kind implements Message.
func (m *SharePause) Kind() MessageType { return TypeSharePause }

// Validate implements Message.
func (m *SharePause) Validate() error {
	if m.SenderID == "" {
		return &FieldError{Field: "senderId", Message: "required"}
	}
	return nil
}

func (m *SharePause) normalize() { m.Type = TypeSharePause }

// GeofenceEvent reports a region transition to the region owner's peers.
type GeofenceEvent struct {
	Type       MessageType       `json:"type"`
	EventID    string            `json:"eventId"`
	GeofenceID string            `json:"geofenceId"`
	ContactID  string            `json:"contactId"`
	EventType  GeofenceEventKind `json:"eventType"`
	Lat        float64           `json:"lat"`
	Lng        float64           `json:"lng"`
	Timestamp  int64             `json:"timestamp"`
}

// Kind implements Message.
func (m *GeofenceEvent) Kind() MessageType { return TypeGeofenceEvent }

// Validate implements Message.
func (m *GeofenceEvent) Validate() error {
	if m.GeofenceID == "" {
		return &FieldError{Field: "geofenceId", Message: "required"}
	}
	if m.ContactID == "" {
		return &FieldError{Field: "contactId", Message: "required"}
	}
	return nil
}

func (m *GeofenceEvent) normalize() {
	m.Type = TypeGeofenceEvent
	m.EventType = ParseGeofenceEventKind(string(m.EventType))
}

// GeofenceSync propagates region configuration changes.
type GeofenceSync struct {
	Type       MessageType `json:"type"`
	SenderID   string      `json:"senderId"`
	Action     SyncAction  `json:"action"`
	GeofenceID string      `json:"geofenceId,omitempty"`
}

// Kind implements Message.
func (m *GeofenceSync) Kind() MessageType { return TypeGeofenceSync }

// Validate implements Message.
func (m *GeofenceSync) Validate() error {
	if m.SenderID == "" {
		return &FieldError{Field: "senderId", Message: "required"}
	}
	return nil
}

func (m *GeofenceSync) normalize() {
	m.Type = TypeGeofenceSync
	m.Action = ParseSyncAction(string(m.Action))
}

// DeviceCommand requests a remote action on a target device.
type DeviceCommand struct {
	Type         MessageType `json:"type"`
	RequesterUID string      `json:"requesterUid"`
	TargetUID    string      `json:"targetUid"`
	Command      CommandKind `json:"command"`
	Message      string      `json:"message,omitempty"`
	PhoneNumber  string      `json:"phoneNumber,omitempty"`
	PlaySound    bool        `json:"playSound,omitempty"`
}

// Kind implements Message.
func (m *DeviceCommand) Kind() MessageType { return TypeDeviceCommand }

// Validate implements Message.
func (m *DeviceCommand) Validate() error {
	if m.RequesterUID == "" {
		return &FieldError{Field: "requesterUid", Message: "required"}
	}
	if m.TargetUID == "" {
		return &FieldError{Field: "targetUid", Message: "required"}
	}
	return nil
}

func (m *DeviceCommand) normalize() {
	m.Type = TypeDeviceCommand
	m.Command = ParseCommandKind(string(m.Command))
}

// FieldError reports a missing or invalid wire field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}
