// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package hub pushes live peer state to local UI clients over
// WebSocket: position updates, presence changes, and geofence alerts.
package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/model"
	"github.com/mveld/trailmesh/internal/readmodel"
)

// WebSocket message types pushed to UI clients.
const (
	MessageTypeLocation      = "location"
	MessageTypePresence      = "presence"
	MessageTypeGeofenceAlert = "geofence_alert"
	MessageTypeRelationship  = "relationship"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is one frame on the UI socket.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of connected UI clients and fans messages out
// to them. Slow clients are dropped rather than allowed to block the
// broadcast path.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run services the hub until ctx is canceled, then closes every
// client. Lifecycle events take priority over broadcasts so the client
// set is consistent before any fan-out.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// BroadcastLocation pushes a peer position to all clients.
func (h *Hub) BroadcastLocation(sample model.LocationSample) {
	h.enqueue(Message{Type: MessageTypeLocation, Data: sample})
}

// BroadcastPresence pushes a presence change to all clients.
func (h *Hub) BroadcastPresence(entry readmodel.PresenceEntry) {
	h.enqueue(Message{Type: MessageTypePresence, Data: entry})
}

// BroadcastJSON pushes an arbitrary payload under a message type.
func (h *Hub) BroadcastJSON(messageType string, data any) {
	h.enqueue(Message{Type: messageType, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(msg Message) {
	select {
	case h.broadcast <- msg:
		metrics.HubBroadcasts.Inc()
	default:
		logging.Warn().Str("message_type", msg.Type).Msg("broadcast channel full, message dropped")
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.HubClients.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("ui client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.HubClients.Set(float64(total))
	logging.Info().Int("total_clients", total).Msg("ui client disconnected")
}

// fanOut delivers to clients in id order. Clients whose send buffer is
// full are disconnected.
func (h *Hub) fanOut(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.HubClients.Set(float64(len(h.clients)))
		logging.Warn().Int("dropped", len(toRemove)).Msg("slow ui clients dropped")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	metrics.HubClients.Set(0)
	logging.Info().Msg("ui hub stopped, all clients closed")
}
