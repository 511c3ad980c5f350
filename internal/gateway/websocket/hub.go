// Package websocket fans live orchestration events out to dashboard clients.
// The hub tails the global event stream; clients receive every event by
// default and can narrow to specific runs with a subscription message.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

const tailBlock = 15 * time.Second

// Frame is the wire form delivered to dashboard clients.
type Frame struct {
	Type      string          `json:"type"`
	StreamID  string          `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hub manages dashboard WebSocket connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	mu     sync.RWMutex
	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Frame, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run drives client registration and fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.broadcastFrame(frame)
		}
	}
}

// Tail follows the global event stream and feeds it into the hub. New
// clients see events published after they connect; history stays in the
// stream for the SSE endpoints.
func (h *Hub) Tail(ctx context.Context, b bus.EventBus) {
	var after bus.StreamID
	if last, err := b.Last(ctx, events.GlobalStream); err == nil && last != nil {
		after = last.ID
	}

	for {
		entries, err := b.ReadBlocking(ctx, events.GlobalStream, after, 100, tailBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("global stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, entry := range entries {
			after = entry.ID
			env, err := events.Decode(entry.Values)
			if err != nil {
				continue
			}
			h.Broadcast(&Frame{
				Type:      env.Type,
				StreamID:  entry.ID.String(),
				Timestamp: env.Timestamp,
				Payload:   env.Payload,
			})
		}
	}
}

// Broadcast queues a frame for delivery to connected clients.
func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("broadcast queue full, dropping frame", zap.String("type", frame.Type))
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastFrame(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	runID := frameRunID(frame)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(runID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will notice the closed
			// connection and unregister the client.
		}
	}
}

// frameRunID extracts the run id from a payload when one is present.
// Events without a run id are delivered to every client.
func frameRunID(frame *Frame) string {
	if len(frame.Payload) == 0 {
		return ""
	}
	var ref struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(frame.Payload, &ref); err != nil {
		return ""
	}
	return ref.RunID
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}
