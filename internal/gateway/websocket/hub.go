// Package websocket streams orchestrator events to connected operator
// clients. The hub subscribes to the event bus and fans every event out to
// clients whose filter matches.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events"
	"github.com/herdctl/herdctl/internal/events/bus"
)

// Hub manages all event feed client connections.
type Hub struct {
	bus bus.EventBus
	sub bus.Subscription

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *events.Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an event feed hub on the given bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        eventBus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *events.Event, 256),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run subscribes to the bus and processes client traffic until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(events.SubjectWildcard, func(_ context.Context, e *events.Event) error {
		select {
		case h.broadcast <- e:
		default:
			// Slow feed drops events; the event log is the durable record.
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("event feed started")
	defer h.logger.Info("event feed stopped")

	for {
		select {
		case <-ctx.Done():
			h.close()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case e := <-h.broadcast:
			h.broadcastEvent(e)
		}
	}
}

func (h *Hub) close() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
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
	h.logger.Debug("client disconnected", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastEvent(e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(e) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client; the write pump will reap it.
		}
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
