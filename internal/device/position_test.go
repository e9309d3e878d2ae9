// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package device

import (
	"context"
	"errors"
	"testing"

	"github.com/mveld/trailmesh/internal/model"
)

func TestSampleBeforeFirstFix(t *testing.T) {
	src := NewPositionSource()
	if _, err := src.Sample(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Errorf("err = %v, want ErrNoFix", err)
	}
	if _, ok := src.Last(); ok {
		t.Error("Last reported a fix before any report")
	}
}

func TestReportAndSample(t *testing.T) {
	src := NewPositionSource()
	src.Report(model.LocationSample{Owner: "me", Lat: 52.37, Lng: 4.89})

	got, err := src.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if got.Lat != 52.37 || got.Lng != 4.89 {
		t.Errorf("sample = %+v", got)
	}

	// Later fixes replace earlier ones.
	src.Report(model.LocationSample{Owner: "me", Lat: 52.38, Lng: 4.90})
	got, _ = src.Sample(context.Background())
	if got.Lat != 52.38 {
		t.Errorf("lat = %v, want latest fix", got.Lat)
	}
}

func TestObserversNotifiedInOrder(t *testing.T) {
	src := NewPositionSource()
	var order []string
	src.Observe(func(model.LocationSample) { order = append(order, "first") })
	src.Observe(func(model.LocationSample) { order = append(order, "second") })

	src.Report(model.LocationSample{Owner: "me"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v", order)
	}
}
