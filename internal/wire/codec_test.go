// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package wire

import (
	"errors"
	"reflect"
	"testing"
)

func TestRoundTripAllTypes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "location_update",
			msg: &LocationUpdate{
				DeviceID:   "dev-1",
				UserID:     "user-a",
				DeviceName: "Pixel 9",
				Lat:        39.9042,
				Lng:        116.4074,
				Bearing:    182.5,
				Speed:      4.2,
				Accuracy:   12.0,
				Battery:    83,
				DeviceType: "phone",
				IsOnline:   true,
				Timestamp:  1714000000000,
				SharedWith: []string{"user-b", "user-c"},
				CoordType:  CoordGCJ02,
			},
		},
		{
			name: "presence_update",
			msg: &PresenceUpdate{
				DeviceID:  "dev-1",
				UserID:    "user-a",
				Status:    PresenceAway,
				Timestamp: 1714000000000,
			},
		},
		{
			name: "share_request",
			msg: &ShareRequest{
				SenderID:   "user-a",
				SenderName: "Alice",
				ShareID:    "share-1",
			},
		},
		{
			name: "share_response",
			msg: &ShareResponse{
				SenderID: "user-b",
				ShareID:  "share-1",
				Accepted: true,
			},
		},
		{
			name: "share_pause",
			msg: &SharePause{
				SenderID: "user-a",
				ShareID:  "share-1",
				IsPaused: true,
			},
		},
		{
			name: "geofence_event",
			msg: &GeofenceEvent{
				EventID:    "ev-1",
				GeofenceID: "gf-1",
				ContactID:  "user-b",
				EventType:  GeofenceExit,
				Lat:        52.52,
				Lng:        13.405,
				Timestamp:  1714000000000,
			},
		},
		{
			name: "geofence_sync",
			msg: &GeofenceSync{
				SenderID:   "user-a",
				Action:     SyncRemoved,
				GeofenceID: "gf-1",
			},
		},
		{
			name: "device_command",
			msg: &DeviceCommand{
				RequesterUID: "user-a",
				TargetUID:    "user-b",
				Command:      CommandLocateLive,
				Message:      "where are you?",
				PlaySound:    true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}

			// Encode stamps the discriminator on the original, so the
			// decoded value must be deep-equal to it.
			if !reflect.DeepEqual(decoded, tt.msg) {
				t.Errorf("round trip mismatch:\n got:  %#v\n want: %#v", decoded, tt.msg)
			}
		})
	}
}

func TestDecodeCoordTypeDefault(t *testing.T) {
	// Payloads from peers predating the coordType tag omit it entirely;
	// those coordinates are WGS84 by contract.
	data := []byte(`{"type":"location_update","deviceId":"d","userId":"u","lat":1,"lng":2,"battery":50,"timestamp":1}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	loc, ok := msg.(*LocationUpdate)
	if !ok {
		t.Fatalf("expected *LocationUpdate, got %T", msg)
	}
	if loc.CoordType != CoordWGS84 {
		t.Errorf("CoordType = %q, want %q", loc.CoordType, CoordWGS84)
	}
}

func TestDecodeUnknownEnumFallback(t *testing.T) {
	data := []byte(`{"type":"location_update","deviceId":"d","userId":"u","lat":1,"lng":2,"battery":50,"timestamp":1,"coordType":"bd09"}`)

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := msg.(*LocationUpdate).CoordType; got != CoordWGS84 {
		t.Errorf("unknown coordType decoded to %q, want %q", got, CoordWGS84)
	}

	data = []byte(`{"type":"presence_update","deviceId":"d","userId":"u","status":"teleporting","timestamp":1}`)
	msg, err = Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := msg.(*PresenceUpdate).Status; got != PresenceOffline {
		t.Errorf("unknown status decoded to %q, want %q", got, PresenceOffline)
	}

	data = []byte(`{"type":"device_command","requesterUid":"a","targetUid":"b","command":"self_destruct"}`)
	msg, err = Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := msg.(*DeviceCommand).Command; got != CommandLocateOnce {
		t.Errorf("unknown command decoded to %q, want %q", got, CommandLocateOnce)
	}
}

func TestDecodeUnknownMessageType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"hologram_update"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", []byte(`{"type":"location_update","lat":`)},
		{"not json", []byte(`not json at all`)},
		{"wrong field type", []byte(`{"type":"location_update","deviceId":"d","userId":"u","lat":"north","lng":2}`)},
		{"missing required", []byte(`{"type":"share_request","senderName":"Alice"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(&LocationUpdate{DeviceID: "d", UserID: "u", Lat: 91, Lng: 0})
	if err == nil {
		t.Error("expected validation error for lat out of range")
	}
}

func TestTopicsAreDeterministic(t *testing.T) {
	if LocationTopic("user-a") != LocationTopic("user-a") {
		t.Error("LocationTopic is not deterministic")
	}
	if LocationTopic("user-a") == LocationTopic("user-b") {
		t.Error("LocationTopic does not scope by peer")
	}
	if LocationTopic("user-a") == ControlTopic("user-a") {
		t.Error("location and control topics must differ")
	}

	// NATS subject structure characters must not leak into topic tokens.
	topic := LocationTopic("a.b c*d>e")
	if topic != "trailmesh.loc.a_b_c_d_e" {
		t.Errorf("sanitized topic = %q", topic)
	}
}

func TestParseFallbacks(t *testing.T) {
	if got := ParseGeofenceEventKind("dwell"); got != GeofenceDwell {
		t.Errorf("ParseGeofenceEventKind(dwell) = %q", got)
	}
	if got := ParseGeofenceEventKind("vanished"); got != GeofenceEnter {
		t.Errorf("unknown event kind = %q, want ENTER", got)
	}
	if got := ParseSyncAction("UPDATED"); got != SyncUpdated {
		t.Errorf("ParseSyncAction(UPDATED) = %q", got)
	}
	if got := ParseSyncAction(""); got != SyncAll {
		t.Errorf("empty sync action = %q, want sync_all", got)
	}
}
