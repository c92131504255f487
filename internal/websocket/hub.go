package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/runledger/internal/domain"
)

// Message types
const (
	MessageTypeActivity     = "activity"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	MapID     int64       `json:"map_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and fans activities out to them.
// Personal bests reach subscribers of their map; world records reach every
// connected client.
type Hub struct {
	// Subscribed clients by map ID
	clients map[int64]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	mapID  int64
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[int64]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for mapID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, mapID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.clients[req.mapID]; !ok {
					h.clients[req.mapID] = make(map[*Client]bool)
				}
				h.clients[req.mapID][req.client] = true
				req.client.sendAck(MessageTypeSubscribed, req.mapID)
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "map_id", req.mapID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.mapID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.mapID)
				}
			}
			if _, ok := h.allClients[req.client]; ok {
				req.client.sendAck(MessageTypeUnsubscribed, req.mapID)
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "map_id", req.mapID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to its map's subscribers, or to everyone
// when it carries no map ID
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	targets := h.allClients
	if message.MapID != 0 {
		targets = h.clients[message.MapID]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// Publish queues an activity for delivery. It never blocks; a full queue
// drops the activity.
func (h *Hub) Publish(ctx context.Context, a domain.Activity) error {
	message := &Message{
		Type:      MessageTypeActivity,
		MapID:     a.MapID,
		Data:      a,
		Timestamp: time.Now(),
	}
	if a.Type == domain.ActivityWorldRecord {
		message.MapID = 0
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping activity", "run_id", a.RunID)
	}
	return nil
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a map's activity feed
func (h *Hub) Subscribe(client *Client, mapID int64) {
	h.subscribe <- &subscriptionRequest{
		client: client,
		mapID:  mapID,
	}
}

// Unsubscribe removes a client from a map's activity feed
func (h *Hub) Unsubscribe(client *Client, mapID int64) {
	h.unsubscribe <- &subscriptionRequest{
		client: client,
		mapID:  mapID,
	}
}

// GetSubscriberCount returns the number of subscribers for a map
func (h *Hub) GetSubscriberCount(mapID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[mapID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
