package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Control messages are a type and a map ID
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are game servers and launchers, not browsers
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type  string `json:"type"`
	MapID int64  `json:"map_id,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
}

// readPump reads control messages until the connection drops, then
// unregisters the client
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		err := c.conn.ReadJSON(&msg)
		if err == nil {
			c.handleMessage(&msg)
			continue
		}

		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			c.logger.Warn("invalid message format", "client_id", c.id, "error", err)
			c.sendError("invalid message format")
			continue
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.logger.Error("websocket error", "client_id", c.id, "error", err)
		}
		return
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.MapID > 0 {
			c.hub.Subscribe(c, msg.MapID)
		} else {
			c.sendError("map_id required for subscribe")
		}

	case MessageTypeUnsubscribe:
		if msg.MapID > 0 {
			c.hub.Unsubscribe(c, msg.MapID)
		} else {
			c.sendError("map_id required for unsubscribe")
		}

	case MessageTypePing:
		c.sendPong()

	default:
		c.sendError("unknown message type " + strconv.Quote(msg.Type))
	}
}

// writePump writes one frame per queued message and keeps the connection
// alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(errMsg string) {
	c.queue(Message{
		Type: MessageTypeError,
		Data: map[string]string{"error": errMsg},
	})
}

// sendAck confirms a subscription change once the hub has applied it
func (c *Client) sendAck(action string, mapID int64) {
	c.queue(Message{
		Type:  action,
		MapID: mapID,
		Data:  map[string]string{"status": "ok"},
	})
}

// sendPong sends a pong response
func (c *Client) sendPong() {
	c.queue(Message{Type: MessageTypePong})
}

// queue stamps and enqueues a message, dropping it when the buffer is full
func (c *Client) queue(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades the request and registers the connection. A map_id query
// parameter subscribes the client to that map straight away.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var mapID int64
	if raw := r.URL.Query().Get("map_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid map_id", http.StatusBadRequest)
			return
		}
		mapID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)
	if mapID > 0 {
		hub.Subscribe(client, mapID)
	}

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id, "map_id", mapID)
}
