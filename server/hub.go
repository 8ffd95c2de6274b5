package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yolostream/yolo-stream-server/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-client outbound queue. A client that falls
	// this far behind starts losing batches instead of stalling the
	// broadcast.
	sendBuffer = 16

	maxMessageSize = 4096
)

// ErrClientCapacity is returned when the registry is full.
var ErrClientCapacity = errors.New("client capacity exceeded")

// StreamStatus is what the hub needs to answer client status commands.
type StreamStatus struct {
	Streaming  bool
	FrameCount int64
}

// Client is one connected WebSocket consumer. The write pump is the only
// goroutine writing to the connection.
type Client struct {
	ID          string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	log  *logrus.Entry

	// sendMu guards send against a concurrent close from unregister.
	sendMu sync.Mutex
	closed bool
	send   chan []byte
}

// trySend queues data without blocking; full queues drop the message,
// closed clients ignore it.
func (c *Client) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Debug("client send queue full, dropping message")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub owns the client registry and fans detection batches out to every
// connected client. A failing or slow client never blocks delivery to
// the rest.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	maxClients int
	status     func() StreamStatus
	log        *logrus.Entry
}

// NewHub creates a hub capped at maxClients. status is consulted when a
// client asks for stream state.
func NewHub(maxClients int, status func() StreamStatus, log *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		maxClients: maxClients,
		status:     status,
		log:        log.WithField("component", "hub"),
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Full reports whether the registry is at capacity.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.maxClients
}

// Register adds a connection as a new client and starts its pumps.
func (h *Hub) Register(conn *websocket.Conn) (*Client, error) {
	c := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
	c.log = h.log.WithField("client_id", c.ID)

	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return nil, ErrClientCapacity
	}
	h.clients[c.ID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	c.log.WithField("clients", h.Count()).Info("websocket client connected")
	return c, nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	if ok {
		delete(h.clients, c.ID)
	}
	h.mu.Unlock()
	if ok {
		c.closeSend()
		c.log.Info("websocket client disconnected")
	}
}

// Broadcast sends a batch to every client. The message is marshalled
// once; clients with a full send queue drop this batch.
func (h *Hub) Broadcast(batch models.DetectionBatch) {
	data, err := json.Marshal(batch)
	if err != nil {
		h.log.WithError(err).Error("marshal broadcast batch")
		return
	}

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		c.trySend(data)
	}
}

// CloseAll sends a close frame to every client and empties the registry.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.closeSend()
	}
}

type clientCommand struct {
	Command string `json:"command"`
}

// readPump consumes client commands. Anything malformed or unknown is
// logged and ignored; the connection stays open.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket read error")
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.log.WithError(err).Debug("ignoring malformed client message")
			continue
		}

		switch cmd.Command {
		case "ping":
			c.reply(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().UnixMilli(),
			})
		case "status":
			st := c.hub.status()
			c.reply(map[string]interface{}{
				"type":       "status",
				"streaming":  st.Streaming,
				"frameCount": st.FrameCount,
			})
		default:
			c.log.WithField("command", cmd.Command).Debug("ignoring unknown client command")
		}
	}
}

func (c *Client) reply(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.trySend(data)
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. A write failure removes the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("websocket write failed, removing client")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
