// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package subscription keeps broker subscriptions aligned with the
// relationship set: one location topic per peer that currently shares
// toward the local user.
package subscription

import (
	"context"
	"time"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/session"
	"github.com/mveld/trailmesh/internal/wire"
)

// Subscriber is the slice of the session the manager drives.
type Subscriber interface {
	Subscribe(topic string, h session.Handler) error
	Unsubscribe(topic string)
}

// Manager reconciles the subscribed topic set against relationship
// snapshots. Reconcile is diff-based and idempotent: applying the same
// snapshot twice changes nothing, and unrelated subscriptions are never
// touched because the manager only removes topics it added itself.
type Manager struct {
	sess    Subscriber
	handler session.Handler
	current map[string]struct{}
}

// NewManager creates a manager that routes inbound peer traffic to the
// given handler.
func NewManager(sess Subscriber, handler session.Handler) *Manager {
	return &Manager{
		sess:    sess,
		handler: handler,
		current: make(map[string]struct{}),
	}
}

// Reconcile brings subscriptions in line with a relationship snapshot.
// A peer's location topic is required while the relationship is live
// and the peer shares toward us. Partial failure leaves the missing
// topics for the next pass instead of aborting.
func (m *Manager) Reconcile(rels []model.PeerRelationship) {
	now := time.Now()
	required := make(map[string]struct{})
	for _, rel := range rels {
		if rel.Live(now) && rel.Inbound() {
			required[wire.LocationTopic(rel.PeerID)] = struct{}{}
		}
	}

	for topic := range m.current {
		if _, ok := required[topic]; !ok {
			m.sess.Unsubscribe(topic)
			delete(m.current, topic)
			logging.Debug().Str("topic", topic).Msg("peer subscription removed")
		}
	}

	for topic := range required {
		if _, ok := m.current[topic]; ok {
			continue
		}
		if err := m.sess.Subscribe(topic, m.handler); err != nil {
			logging.Error().Err(err).Str("topic", topic).Msg("peer subscribe failed")
			continue
		}
		m.current[topic] = struct{}{}
		logging.Debug().Str("topic", topic).Msg("peer subscription added")
	}
}

// Topics returns the topics the manager currently owns.
func (m *Manager) Topics() []string {
	topics := make([]string, 0, len(m.current))
	for t := range m.current {
		topics = append(topics, t)
	}
	return topics
}

// Run consumes relationship snapshots until ctx is canceled. The
// single-consumer watch channel serializes reconciliation, so Reconcile
// needs no internal locking.
func (m *Manager) Run(ctx context.Context, watch <-chan []model.PeerRelationship) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rels, ok := <-watch:
			if !ok {
				return nil
			}
			m.Reconcile(rels)
		}
	}
}
