// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package main is the entry point for the Trailmesh node.
//
// A Trailmesh node shares the local device's position with accepted
// peers, tracks their positions in return, and evaluates geofence
// regions over inbound samples. Components start in this order:
//
//  1. Configuration (koanf: defaults, YAML file, environment)
//  2. Durable stores (BadgerDB outbox and geofence store)
//  3. Broker (embedded NATS JetStream or external, Watermill session)
//  4. Domain loops (tracking machine, scheduler, subscriptions,
//     geofence evaluation)
//  5. Ops HTTP server (health, metrics, status, UI WebSocket)
//
// Everything long-running is supervised by a suture tree; SIGINT and
// SIGTERM trigger a graceful stop. Outbound messages survive restarts
// in the outbox; geofence events survive in their store.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mveld/trailmesh/internal/config"
	"github.com/mveld/trailmesh/internal/device"
	"github.com/mveld/trailmesh/internal/geofence"
	"github.com/mveld/trailmesh/internal/hub"
	"github.com/mveld/trailmesh/internal/ingest"
	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/outbox"
	"github.com/mveld/trailmesh/internal/push"
	"github.com/mveld/trailmesh/internal/readmodel"
	"github.com/mveld/trailmesh/internal/remote"
	"github.com/mveld/trailmesh/internal/scheduler"
	"github.com/mveld/trailmesh/internal/server"
	"github.com/mveld/trailmesh/internal/session"
	"github.com/mveld/trailmesh/internal/subscription"
	"github.com/mveld/trailmesh/internal/supervisor"
	"github.com/mveld/trailmesh/internal/tracking"
	"github.com/mveld/trailmesh/internal/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("user", cfg.Node.UserID).Str("device", cfg.Node.DeviceID).Msg("trailmesh node starting")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("node exited with error")
	}
	logging.Info().Msg("node stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := model.StaticIdentity{
		User:   cfg.Node.UserID,
		Device: cfg.Node.DeviceID,
		Name:   cfg.Node.DisplayName,
	}

	// Broker: embedded server first so the client URL exists before the
	// session connects.
	if cfg.Embedded.Enabled {
		embedded, err := session.NewEmbeddedServer(cfg.Embedded)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
		cfg.NATS.URL = embedded.ClientURL()
	}

	broker, err := session.NewNATSBroker(cfg.NATS)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	// Durable stores.
	queue, err := outbox.Open(cfg.Outbox)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	geoDB, err := badger.Open(badger.DefaultOptions(cfg.Geofence.Path).WithLogger(nil))
	if err != nil {
		return err
	}
	defer func() { _ = geoDB.Close() }()

	geoStore, err := geofence.NewStore(geoDB)
	if err != nil {
		return err
	}
	defer func() { _ = geoStore.Close() }()

	// Shared state.
	uiHub := hub.NewHub()
	positions := readmodel.NewMemory()
	rels := model.NewRelationshipStore()
	ownPosition := device.NewPositionSource()

	var waker push.Waker = push.NopWaker{}
	if cfg.Push.Enabled {
		apns, err := push.NewAPNSWaker(cfg.Push, cfg.Push.Resolver())
		if err != nil {
			return err
		}
		waker = apns
	}

	// Session over the durable queue. Permanently failed entries are
	// surfaced to the UI; the queue keeps draining behind them.
	sess := session.New(broker, queue, func(entry *outbox.Entry) {
		uiHub.BroadcastJSON("outbox_failed", entry)
	})

	evaluator, err := geofence.NewEvaluator(geoStore, &alertNotifier{
		sess:     sess,
		identity: identity,
		hub:      uiHub,
	})
	if err != nil {
		return err
	}

	machine := tracking.NewMachine(cfg.Tracking, ownPosition, &samplePublisher{
		sess:     sess,
		identity: identity,
	})
	machine.Start(ctx)

	// Relative regions follow the owner's own fixes.
	ownPosition.Observe(func(sample model.LocationSample) {
		regions, err := geoStore.Regions()
		if err != nil {
			logging.Warn().Err(err).Msg("region list for owner update failed")
			return
		}
		for _, region := range regions {
			if region.Kind != geofence.KindRelative {
				continue
			}
			if err := evaluator.SetOwnerPosition(region.PeerID, sample.Lat, sample.Lng); err != nil {
				logging.Warn().Err(err).Str("region", region.ID).Msg("owner position update failed")
			}
		}
	})

	// Inbound routing: peer samples feed the read model, the geofence
	// evaluator, and the UI; commands drive the tracking machine.
	handler := ingest.NewHandler(identity, positions, evaluator, machine, uiHub, rels)
	if err := sess.Subscribe(wire.ControlTopic(identity.UserID()), handler.HandleMessage); err != nil {
		return err
	}

	// Requester side of the command protocol: heartbeats go out at a
	// third of the timeout peers enforce.
	commander := remote.NewCommander(sess, identity, cfg.Tracking.HeartbeatTimeout/3)
	commander.Start(ctx)

	subs := subscription.NewManager(sess, handler.HandleMessage)
	sched := scheduler.New(cfg.Scheduler, &commandRefresher{
		sess:     sess,
		identity: identity,
		presence: positions,
		waker:    waker,
	}, subs)

	httpSrv := server.New(cfg.Server.Addr(), cfg.Server.Timeout, server.Deps{
		Queue:     queue,
		Tracker:   machine,
		Commander: commander,
		Regions:   geoStore,
		State:     sched,
		Broker:    broker,
		Position:  ownPosition,
		Identity:  identity,
		Rels:      rels,
		ReadModel: positions,
		Hub:       uiHub,
	})

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddDataService(supervisor.CompactorService{Compactor: outbox.NewCompactor(queue)})
	tree.AddDataService(supervisor.EventPruneService{
		Store:     geoStore,
		Retention: cfg.Geofence.EventRetention,
		Every:     cfg.Geofence.PruneInterval,
	})
	tree.AddDataService(supervisor.ExpirySweepService{Rels: rels, Every: time.Minute})
	tree.AddDataService(supervisor.ServiceFunc{
		Name: "geofence-reconciler",
		Fn: func(ctx context.Context) error {
			return evaluator.RunReconciler(ctx, cfg.Geofence.ReconcileInterval)
		},
	})

	tree.AddMessagingService(supervisor.ServiceFunc{Name: "broker-session", Fn: sess.Serve})
	tree.AddMessagingService(supervisor.ServiceFunc{
		Name: "sync-scheduler",
		Fn: func(ctx context.Context) error {
			return sched.Run(ctx, rels.Watch())
		},
	})
	tree.AddMessagingService(supervisor.ServiceFunc{Name: "ui-hub", Fn: uiHub.Run})
	tree.AddMessagingService(supervisor.ServiceFunc{
		Name: "transition-fanout",
		Fn: func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-machine.Transitions():
					uiHub.BroadcastJSON("tracking", t)
				}
			}
		},
	})

	tree.AddAPIService(supervisor.ServiceFunc{Name: "ops-http", Fn: httpSrv.Run})

	return tree.Serve(ctx)
}
