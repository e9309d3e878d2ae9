// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package server

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New()

// inviteRequest creates a new peer relationship.
type inviteRequest struct {
	PeerID    string `json:"peer_id" validate:"required,min=1,max=128"`
	PeerName  string `json:"peer_name" validate:"max=256"`
	Direction string `json:"direction" validate:"omitempty,oneof=i_share they_share mutual"`
	ExpiresIn string `json:"expires_in" validate:"omitempty"`
}

// pauseRequest toggles sharing pause for a peer.
type pauseRequest struct {
	Paused bool `json:"paused"`
}

// regionCreateRequest creates or replaces a peer's geofence region.
type regionCreateRequest struct {
	PeerID   string  `json:"peer_id" validate:"required,min=1,max=128"`
	Label    string  `json:"label" validate:"max=256"`
	Lat      float64 `json:"lat" validate:"min=-90,max=90"`
	Lng      float64 `json:"lng" validate:"min=-180,max=180"`
	Radius   float64 `json:"radius" validate:"gt=0"`
	Trigger  string  `json:"trigger" validate:"omitempty,oneof=enter exit both"`
	Kind     string  `json:"kind" validate:"omitempty,oneof=fixed relative"`
	OneShot  bool    `json:"one_shot"`
	Inactive bool    `json:"inactive"`

	// WasInside marks the peer as already inside at creation time so
	// the first evaluated sample produces no synthetic event.
	WasInside bool `json:"was_inside"`
}

// lostModeRequest carries the optional message shown on a device put
// into lost mode.
type lostModeRequest struct {
	Message     string `json:"message" validate:"max=512"`
	PhoneNumber string `json:"phone_number" validate:"max=32"`
}

// positionRequest reports the local device's own position fix.
type positionRequest struct {
	Lat      float64 `json:"lat" validate:"min=-90,max=90"`
	Lng      float64 `json:"lng" validate:"min=-180,max=180"`
	Bearing  float64 `json:"bearing" validate:"min=0,max=360"`
	Speed    float64 `json:"speed" validate:"min=0"`
	Accuracy float64 `json:"accuracy" validate:"min=0"`
	Battery  int     `json:"battery" validate:"min=0,max=100"`
}

// stateRequest updates local device state driving the sync scheduler.
// Pointer fields distinguish "absent" from zero values.
type stateRequest struct {
	Foreground *bool   `json:"foreground"`
	Battery    *int    `json:"battery" validate:"omitempty"`
	Focus      *string `json:"focus"`
}

// decodeAndValidate unmarshals the request body and runs struct
// validation. On failure it writes the error response and returns
// false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}
