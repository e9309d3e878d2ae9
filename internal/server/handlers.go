// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mveld/trailmesh/internal/geofence"
	"github.com/mveld/trailmesh/internal/hub"
	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/outbox"
	"github.com/mveld/trailmesh/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("write json response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.deps.Broker != nil && s.deps.Broker.Connected()
	status := http.StatusOK
	state := "ok"
	if !connected {
		// Still serving locally; the queue buffers until the broker
		// returns.
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":           state,
		"broker_connected": connected,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}

	if s.deps.Broker != nil {
		body["broker_connected"] = s.deps.Broker.Connected()
	}
	if s.deps.Tracker != nil {
		body["tracking_state"] = string(s.deps.Tracker.State())
		if sess, ok := s.deps.Tracker.Session(); ok {
			body["tracking_session"] = sess
		}
	}
	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body["outbox"] = stats
	}
	if s.deps.Hub != nil {
		body["ui_clients"] = s.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotFound, "outbox not available")
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOutboxFailed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotFound, "outbox not available")
		return
	}
	failed, err := s.deps.Queue.Failed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if failed == nil {
		failed = []*outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (s *Server) handleOutboxRequeue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusNotFound, "outbox not available")
		return
	}
	id := chi.URLParam(r, "id")
	err := s.deps.Queue.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "no such entry")
	case errors.Is(err, outbox.ErrNotFailed):
		writeError(w, http.StatusConflict, "entry is not in failed state")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"requeued": id})
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadModel == nil {
		writeError(w, http.StatusNotFound, "read model not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ReadModel.Positions())
}

func (s *Server) handlePresences(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadModel == nil {
		writeError(w, http.StatusNotFound, "read model not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ReadModel.Presences())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rels == nil {
		writeError(w, http.StatusNotFound, "relationships not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Rels.Snapshot())
}

func (s *Server) handlePeerInvite(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rels == nil {
		writeError(w, http.StatusNotFound, "relationships not available")
		return
	}
	var req inviteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var expires *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "expires_in must be a positive duration")
			return
		}
		t := time.Now().Add(d)
		expires = &t
	}

	rel, err := s.deps.Rels.Invite(req.PeerID, req.PeerName, model.ParseDirection(req.Direction), expires)
	if errors.Is(err, model.ErrDuplicatePeer) {
		writeError(w, http.StatusConflict, "relationship already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) peerAction(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	if s.deps.Rels == nil {
		writeError(w, http.StatusNotFound, "relationships not available")
		return
	}
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	rel, _ := s.deps.Rels.Get(id)
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handlePeerAccept(w http.ResponseWriter, r *http.Request) {
	s.peerAction(w, r, s.deps.Rels.Accept)
}

func (s *Server) handlePeerReject(w http.ResponseWriter, r *http.Request) {
	s.peerAction(w, r, s.deps.Rels.Reject)
}

func (s *Server) handlePeerPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s.peerAction(w, r, func(id string) error {
		return s.deps.Rels.SetPaused(id, req.Paused)
	})
}

func (s *Server) handlePeerDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rels == nil {
		writeError(w, http.StatusNotFound, "relationships not available")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Rels.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commandAction runs one peer device command. Commands are fire and
// forget toward the durable queue, so success is 202, not 200.
func (s *Server) commandAction(w http.ResponseWriter, r *http.Request, command string, fn func(ctx context.Context, peerID string) error) {
	if s.deps.Commander == nil {
		writeError(w, http.StatusNotFound, "remote commands not available")
		return
	}
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"peer":    id,
		"command": command,
	})
}

func (s *Server) handlePeerTrack(w http.ResponseWriter, r *http.Request) {
	s.commandAction(w, r, "track", s.deps.Commander.Track)
}

func (s *Server) handlePeerStopTracking(w http.ResponseWriter, r *http.Request) {
	s.commandAction(w, r, "stop_tracking", s.deps.Commander.StopTracking)
}

func (s *Server) handlePeerSound(w http.ResponseWriter, r *http.Request) {
	s.commandAction(w, r, "play_sound", s.deps.Commander.PlaySound)
}

func (s *Server) handlePeerLostMode(w http.ResponseWriter, r *http.Request) {
	var req lostModeRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}
	s.commandAction(w, r, "lost_mode", func(ctx context.Context, peerID string) error {
		return s.deps.Commander.LostMode(ctx, peerID, req.Message, req.PhoneNumber)
	})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regions == nil {
		writeError(w, http.StatusNotFound, "geofencing not available")
		return
	}
	regions, err := s.deps.Regions.Regions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if regions == nil {
		regions = []*geofence.Region{}
	}
	writeJSON(w, http.StatusOK, regions)
}

func (s *Server) handleRegionCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regions == nil {
		writeError(w, http.StatusNotFound, "geofencing not available")
		return
	}
	var req regionCreateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	region := &geofence.Region{
		PeerID:            req.PeerID,
		Label:             req.Label,
		Lat:               req.Lat,
		Lng:               req.Lng,
		Radius:            req.Radius,
		Trigger:           geofence.TriggerPolicy(req.Trigger),
		Kind:              geofence.RegionKind(req.Kind),
		Active:            !req.Inactive,
		OneShot:           req.OneShot,
		WasInsideOnCreate: req.WasInside,
		LastInside:        req.WasInside,
	}
	if region.Trigger == "" {
		region.Trigger = geofence.TriggerBoth
	}
	if region.Kind == "" {
		region.Kind = geofence.KindFixed
	}

	// Relative regions anchor to the owner's latest fix. Without one
	// the region stays unanchored and is not evaluated until the owner
	// reports a position.
	if region.Kind == geofence.KindRelative && s.deps.Position != nil {
		if fix, ok := s.deps.Position.Last(); ok {
			region.OwnerLat = fix.Lat
			region.OwnerLng = fix.Lng
			region.OwnerSet = true
		}
	}

	if err := s.deps.Regions.SaveRegion(region); err != nil {
		if errors.Is(err, geofence.ErrPeerHasRegion) {
			writeError(w, http.StatusConflict, "peer already has a region")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, region)
}

func (s *Server) handleRegionDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Regions == nil {
		writeError(w, http.StatusNotFound, "geofencing not available")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Regions.DeleteRegion(id); err != nil {
		if errors.Is(err, geofence.ErrRegionNotFound) {
			writeError(w, http.StatusNotFound, "no such region")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePositionReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Position == nil {
		writeError(w, http.StatusNotFound, "position reporting not available")
		return
	}
	var req positionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	sample := model.LocationSample{
		Lat:        req.Lat,
		Lng:        req.Lng,
		CoordType:  wire.CoordWGS84,
		Bearing:    req.Bearing,
		Speed:      req.Speed,
		Accuracy:   req.Accuracy,
		Battery:    req.Battery,
		IsOnline:   true,
		CapturedAt: time.Now().UTC(),
	}
	if s.deps.Identity != nil {
		sample.Owner = s.deps.Identity.UserID()
		sample.DeviceID = s.deps.Identity.DeviceID()
		sample.DeviceName = s.deps.Identity.DeviceName()
		sample.DeviceType = s.deps.Identity.DeviceType()
	}
	s.deps.Position.Report(sample)

	if s.deps.State != nil {
		s.deps.State.SetBattery(req.Battery)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStateUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.State == nil {
		writeError(w, http.StatusNotFound, "scheduler not available")
		return
	}
	var req stateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if req.Battery != nil {
		if *req.Battery < 0 || *req.Battery > 100 {
			writeError(w, http.StatusUnprocessableEntity, "battery must be between 0 and 100")
			return
		}
		s.deps.State.SetBattery(*req.Battery)
	}
	if req.Foreground != nil {
		s.deps.State.SetForeground(*req.Foreground)
	}
	if req.Focus != nil {
		s.deps.State.SetFocus(*req.Focus)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrackingReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeError(w, http.StatusNotFound, "tracking not available")
		return
	}
	s.deps.Tracker.ForceReset()
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.deps.Tracker.State())})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local ops surface, same-origin enforcement is left to the
	// embedding deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "ui hub not available")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := hub.NewClient(s.deps.Hub, conn)
	s.deps.Hub.Register <- client
	client.Start()
}
