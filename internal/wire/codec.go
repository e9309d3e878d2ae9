// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrUnknownMessageType is returned when a payload carries a type
// discriminator this peer does not understand. Consumers drop and log
// such messages; they are produced by newer peers, not by corruption.
var ErrUnknownMessageType = errors.New("wire: unknown message type")

// envelope is used to peek at the discriminator before full decode.
type envelope struct {
	Type MessageType `json:"type"`
}

// Encode serializes a message to its JSON wire form.
// The type discriminator is stamped from the message kind so callers
// cannot produce a payload whose discriminator disagrees with its type.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", msg.Kind(), err)
	}
	msg.normalize()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses a JSON wire payload into its typed message.
// Enum fields are normalized with their documented fallbacks, then the
// message is validated. Returns ErrUnknownMessageType for discriminators
// from the future and a plain error for malformed JSON.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeLocationUpdate:
		msg = &LocationUpdate{}
	case TypePresenceUpdate:
		msg = &PresenceUpdate{}
	case TypeShareRequest:
		msg = &ShareRequest{}
	case TypeShareResponse:
		msg = &ShareResponse{}
	case TypeSharePause:
		msg = &SharePause{}
	case TypeGeofenceEvent:
		msg = &GeofenceEvent{}
	case TypeGeofenceSync:
		msg = &GeofenceSync{}
	case TypeDeviceCommand:
		msg = &DeviceCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	msg.normalize()

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", env.Type, err)
	}
	return msg, nil
}

// Topic naming. Each peer publishes to topics scoped by its own
// identifier and subscribes to topics scoped by peers that share with
// it. Both functions are pure so both ends agree without a handshake.

const (
	locationTopicPrefix = "trailmesh.loc."
	controlTopicPrefix  = "trailmesh.ctl."
)

// LocationTopic returns the topic a peer publishes location updates,
// presence updates, and geofence events to.
func LocationTopic(peerID string) string {
	return locationTopicPrefix + sanitizeID(peerID)
}

// ControlTopic returns the topic a peer receives share lifecycle
// messages and device commands on.
func ControlTopic(peerID string) string {
	return controlTopicPrefix + sanitizeID(peerID)
}

// sanitizeID makes an identifier safe for use as a topic token.
// NATS subjects treat '.', '*', '>' and whitespace as structure.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		default:
			return r
		}
	}, id)
}
