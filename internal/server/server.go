// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package server exposes the local ops and UI surface over HTTP: health
// and metrics, read-only status endpoints, region and relationship
// management, and the WebSocket feed for UI clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mveld/trailmesh/internal/geofence"
	"github.com/mveld/trailmesh/internal/hub"
	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/outbox"
	"github.com/mveld/trailmesh/internal/readmodel"
	"github.com/mveld/trailmesh/internal/tracking"
)

// QueueInspector is the slice of the outbox exposed over HTTP.
type QueueInspector interface {
	Stats(ctx context.Context) (outbox.Stats, error)
	Failed(ctx context.Context) ([]*outbox.Entry, error)
	Requeue(ctx context.Context, id string) error
}

// TrackingInspector is the slice of the tracking machine exposed over
// HTTP.
type TrackingInspector interface {
	State() tracking.State
	Session() (tracking.Session, bool)
	ForceReset()
}

// RemoteCommander issues device commands to peers.
type RemoteCommander interface {
	Track(ctx context.Context, peerID string) error
	StopTracking(ctx context.Context, peerID string) error
	PlaySound(ctx context.Context, peerID string) error
	LostMode(ctx context.Context, peerID, message, phoneNumber string) error
}

// RegionStore is the slice of the geofence store exposed over HTTP.
type RegionStore interface {
	Regions() ([]*geofence.Region, error)
	GetRegion(id string) (*geofence.Region, error)
	SaveRegion(r *geofence.Region) error
	DeleteRegion(id string) error
}

// AppState receives device state changes from the local UI.
type AppState interface {
	SetFocus(peerID string)
	SetForeground(fg bool)
	SetBattery(pct int)
	IntervalFor(peerID string) time.Duration
}

// PositionSink receives own-device position fixes from the platform
// layer and exposes the latest one.
type PositionSink interface {
	Report(sample model.LocationSample)
	Last() (model.LocationSample, bool)
}

// BrokerStatus reports transport health.
type BrokerStatus interface {
	Connected() bool
}

// Deps are the collaborators the server reads from and writes to. Any
// nil collaborator disables its routes.
type Deps struct {
	Queue     QueueInspector
	Tracker   TrackingInspector
	Commander RemoteCommander
	Regions   RegionStore
	State     AppState
	Broker    BrokerStatus
	Position  PositionSink
	Identity  model.Identity
	Rels      *model.RelationshipStore
	ReadModel readmodel.Store
	Hub       *hub.Hub
}

// Server is the ops HTTP server.
type Server struct {
	addr    string
	timeout time.Duration
	deps    Deps
	httpSrv *http.Server
}

// New builds the server and its routes.
func New(addr string, timeout time.Duration, deps Deps) *Server {
	s := &Server{
		addr:    addr,
		timeout: timeout,
		deps:    deps,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes assembles the chi router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket feed must not inherit the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(s.timeout))

			r.Get("/status", s.handleStatus)

			r.Get("/outbox", s.handleOutboxStats)
			r.Get("/outbox/failed", s.handleOutboxFailed)
			r.Post("/outbox/failed/{id}/requeue", s.handleOutboxRequeue)

			r.Get("/positions", s.handlePositions)
			r.Get("/presences", s.handlePresences)

			r.Get("/peers", s.handlePeers)
			r.Post("/peers", s.handlePeerInvite)
			r.Post("/peers/{id}/accept", s.handlePeerAccept)
			r.Post("/peers/{id}/reject", s.handlePeerReject)
			r.Post("/peers/{id}/pause", s.handlePeerPause)
			r.Delete("/peers/{id}", s.handlePeerDelete)

			r.Post("/peers/{id}/track", s.handlePeerTrack)
			r.Post("/peers/{id}/stop-tracking", s.handlePeerStopTracking)
			r.Post("/peers/{id}/sound", s.handlePeerSound)
			r.Post("/peers/{id}/lost-mode", s.handlePeerLostMode)

			r.Get("/regions", s.handleRegions)
			r.Post("/regions", s.handleRegionCreate)
			r.Delete("/regions/{id}", s.handleRegionDelete)

			r.Post("/position", s.handlePositionReport)
			r.Post("/state", s.handleStateUpdate)
			r.Post("/tracking/reset", s.handleTrackingReset)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.addr).Msg("ops http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	return ctx.Err()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
