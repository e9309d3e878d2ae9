// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mveld/trailmesh/internal/model"
)

func TestServiceFuncServes(t *testing.T) {
	called := false
	svc := ServiceFunc{
		Name: "probe",
		Fn: func(ctx context.Context) error {
			called = true
			return ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := svc.Serve(ctx)
	if !called {
		t.Error("wrapped function not called")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if svc.String() != "probe" {
		t.Errorf("String() = %q", svc.String())
	}
}

func TestExpirySweepMarksPastDueRelationships(t *testing.T) {
	rels := model.NewRelationshipStore()
	past := time.Now().Add(-time.Minute)
	if _, err := rels.Invite("alice", "Alice", model.DirectionMutual, &past); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := rels.Accept("alice"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	svc := ExpirySweepService{Rels: rels, Every: 10 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx) }()

	deadline := time.After(time.Second)
	for {
		rel, _ := rels.Get("alice")
		if rel.Status == model.StatusExpired {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("relationship not expired, status %q", rel.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestExpirySweepLeavesHealthyRelationshipsAlone(t *testing.T) {
	rels := model.NewRelationshipStore()
	future := time.Now().Add(time.Hour)
	if _, err := rels.Invite("bob", "Bob", model.DirectionMutual, &future); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := rels.Accept("bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	svc := ExpirySweepService{Rels: rels, Every: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx)

	rel, _ := rels.Get("bob")
	if rel.Status != model.StatusAccepted {
		t.Errorf("status = %q, want accepted", rel.Status)
	}
}
