// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package push wakes suspended peer processes through a platform push
// channel so they can reconnect to the broker and answer requests.
package push

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"github.com/mveld/trailmesh/internal/logging"
)

// Reason is the coarse wake-up cause handed to the recipient.
type Reason string

// Wake-up reasons.
const (
	ReasonLocationRequest Reason = "location_request"
	ReasonShareInvite     Reason = "share_invite"
	ReasonGeofenceAlert   Reason = "geofence_alert"
)

// Waker causes a peer's process to become reachable. Implementations
// must be safe for concurrent use.
type Waker interface {
	Wake(ctx context.Context, target string, reason Reason) error
}

// Config holds APNs credentials and addressing.
type Config struct {
	Enabled    bool   `koanf:"enabled"`
	KeyFile    string `koanf:"key_file"`
	KeyID      string `koanf:"key_id"`
	TeamID     string `koanf:"team_id"`
	Topic      string `koanf:"topic"`
	Production bool   `koanf:"production"`

	// Tokens maps peer user ids to device push tokens.
	Tokens map[string]string `koanf:"tokens"`
}

// Resolver returns a TokenResolver over the configured token map.
func (c Config) Resolver() TokenResolver {
	return func(target string) (string, bool) {
		token, ok := c.Tokens[target]
		return token, ok
	}
}

// TokenResolver maps a peer identifier to its device push token.
type TokenResolver func(target string) (string, bool)

// APNSWaker delivers background wake-ups over APNs.
type APNSWaker struct {
	client  *apns2.Client
	topic   string
	resolve TokenResolver
}

// NewAPNSWaker builds a token-authenticated APNs client.
func NewAPNSWaker(cfg Config, resolve TokenResolver) (*APNSWaker, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load APNs auth key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return &APNSWaker{
		client:  client,
		topic:   cfg.Topic,
		resolve: resolve,
	}, nil
}

// Wake sends a silent background push carrying the reason code.
func (w *APNSWaker) Wake(ctx context.Context, target string, reason Reason) error {
	deviceToken, ok := w.resolve(target)
	if !ok {
		return fmt.Errorf("no push token for target %s", target)
	}

	payload, err := json.Marshal(map[string]any{
		"aps":    map[string]any{"content-available": 1},
		"reason": string(reason),
	})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	res, err := w.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       w.topic,
		PushType:    apns2.PushTypeBackground,
		Priority:    apns2.PriorityLow,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("push to %s: %w", target, err)
	}
	if !res.Sent() {
		return fmt.Errorf("push rejected: %s", res.Reason)
	}

	logging.Debug().Str("target", target).Str("reason", string(reason)).Msg("wake-up push sent")
	return nil
}

// NopWaker ignores wake requests. Used when push is disabled.
type NopWaker struct{}

// Wake implements Waker.
func (NopWaker) Wake(ctx context.Context, target string, reason Reason) error {
	logging.Debug().Str("target", target).Str("reason", string(reason)).Msg("push disabled, wake-up skipped")
	return nil
}
