// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package metrics provides Prometheus instrumentation for Trailmesh.
//
// Collectors cover the offline delivery queue, the pub/sub session,
// the tracking state machine, the sync scheduler, the geofence
// evaluator, and inbound message ingestion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Offline delivery queue metrics
	OutboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_enqueued_total",
			Help: "Total number of messages appended to the offline delivery queue",
		},
	)

	OutboxSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_sent_total",
			Help: "Total number of queue entries acknowledged by the broker",
		},
	)

	OutboxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_retries_total",
			Help: "Total number of delivery retry attempts",
		},
	)

	OutboxFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_failed_total",
			Help: "Total number of queue entries that exhausted their retries",
		},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Current number of undelivered queue entries",
		},
	)

	OutboxPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_purged_total",
			Help: "Total number of queue entries removed by compaction",
		},
	)

	// Pub/sub session metrics
	SessionConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_connects_total",
			Help: "Total number of broker (re)connections observed",
		},
	)

	SessionPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_publishes_total",
			Help: "Total number of broker publish attempts by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	SessionSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_subscriptions",
			Help: "Current number of live topic subscriptions",
		},
	)

	// Tracking state machine metrics
	TrackingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_transitions_total",
			Help: "Total number of tracking state machine transitions",
		},
		[]string{"from", "to", "cause"},
	)

	TrackingDroppedNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_dropped_notifications_total",
			Help: "State change notifications dropped because the observer channel was full",
		},
	)

	TrackingSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_samples_total",
			Help: "Total number of location samples emitted while live tracking",
		},
	)

	// Adaptive sync scheduler metrics
	SchedulerRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_refresh_requests_total",
			Help: "Total number of peer refresh requests by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	SchedulerActiveLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_active_loops",
			Help: "Current number of per-peer refresh loops",
		},
	)

	// Geofence evaluator metrics
	GeofenceEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geofence_evaluations_total",
			Help: "Total number of samples evaluated against geofence regions",
		},
	)

	GeofenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofence_events_total",
			Help: "Total number of geofence transition events by kind",
		},
		[]string{"kind"}, // "enter", "exit"
	)

	GeofenceNotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geofence_notify_failures_total",
			Help: "Geofence event notifications that failed and await reconciliation",
		},
	)

	// Inbound message ingestion metrics
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of inbound messages by wire type",
		},
		[]string{"type"},
	)

	IngestDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_decode_failures_total",
			Help: "Inbound messages dropped because they failed to decode",
		},
	)

	// WebSocket hub metrics
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_clients",
			Help: "Current number of connected websocket clients",
		},
	)

	HubBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total number of messages broadcast to websocket clients",
		},
	)
)

// RecordPublish records a broker publish attempt outcome.
func RecordPublish(err error) {
	if err != nil {
		SessionPublishes.WithLabelValues("error").Inc()
		return
	}
	SessionPublishes.WithLabelValues("ok").Inc()
}

// RecordRefresh records a scheduler refresh request outcome.
func RecordRefresh(err error) {
	if err != nil {
		SchedulerRefreshes.WithLabelValues("error").Inc()
		return
	}
	SchedulerRefreshes.WithLabelValues("ok").Inc()
}

// RecordTransition records a tracking state machine transition.
func RecordTransition(from, to, cause string) {
	TrackingTransitions.WithLabelValues(from, to, cause).Inc()
}
