// Package websocket fans the derived session document out to dashboard
// clients. Only the hub writes to client sockets; each client gets a bounded
// send queue and slow consumers are dropped rather than stalling the rest.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"skywatch/internal/metrics"
	model "skywatch/pkg/api/session"
	"skywatch/pkg/logging"
)

// Server-originated frame types.
const (
	TypeSessionUpdate  = "sessionUpdate"
	TypeEnhancedUpdate = "enhancedSessionUpdate"
	TypeConfigUpdate   = "config-update"
	TypeNINAEvent      = "nina-event"
	TypeHeartbeat      = "heartbeat"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Read timeout on a dashboard socket; any frame or pong resets it
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024

	heartbeatPeriod = 30 * time.Second
)

// Message is the envelope for every server-originated frame.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientFrame is what dashboard clients may send; both fields are advisory.
type clientFrame struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// outbound is a marshaled frame on its way through the hub. docStamp is the
// lastUpdate of the document it carries, zero for frames without one; the hub
// uses it to keep per-connection delivery monotonic.
type outbound struct {
	msgType  string
	payload  []byte
	docStamp time.Time
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HubConfig configures the fan-out hub.
type HubConfig struct {
	// MaxClients caps concurrent dashboard connections (default 100).
	MaxClients int
	// QueueSize bounds each client's send queue (default 64).
	QueueSize int
	// Snapshot returns the current session document for welcome frames.
	Snapshot func() model.Document

	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	cfg        HubConfig
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	admitted  atomic.Int64
	sentTotal atomic.Int64
	mutex     sync.RWMutex
}

// Client represents one dashboard WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is guarded by sendMu: readPump enqueues pongs from its own
	// goroutine while the hub goroutine closes the channel on drop.
	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	// filter restricts server frame types; nil means everything
	filterMu sync.Mutex
	filter   map[string]bool

	// lastDoc is the lastUpdate of the newest document sent to this client.
	// Touched only by the hub goroutine.
	lastDoc time.Time

	logger logging.Logger
}

// NewHub creates a fan-out hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() model.Document { return model.NewDocument() }
	}
	return &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop. On cancel every client is closed with a
// normal close code.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.setConnectionGauge(count)

			// Welcome frame: the current document as a sessionUpdate
			doc := h.cfg.Snapshot()
			welcome, err := json.Marshal(Message{
				Type:      TypeSessionUpdate,
				Data:      doc,
				Timestamp: time.Now().UTC(),
			})
			if err == nil {
				client.lastDoc = doc.LastUpdate
				client.enqueue(welcome)
			}
			h.cfg.Logger.WithField("client_count", count).Info("Dashboard client connected")

		case client := <-h.unregister:
			h.removeClient(client, "closed")

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-heartbeat.C:
			h.Broadcast(TypeHeartbeat, map[string]interface{}{"clients": h.ClientCount()})
		}
	}
}

// Broadcast envelopes data and queues it for every admitted client.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	h.broadcastStamped(msgType, data, time.Time{})
}

func (h *Hub) broadcastStamped(msgType string, data interface{}, docStamp time.Time) {
	message, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.cfg.Logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- outbound{msgType: msgType, payload: message, docStamp: docStamp}:
	default:
		h.cfg.Logger.Warn("Broadcast channel full, dropping message")
	}
}

// BroadcastSessionUpdate sends the new derived document to all clients.
func (h *Hub) BroadcastSessionUpdate(doc model.Document) {
	h.broadcastStamped(TypeSessionUpdate, doc, doc.LastUpdate)
}

// BroadcastEnhancedSessionUpdate sends the document together with extra
// context for dashboards that want it.
func (h *Hub) BroadcastEnhancedSessionUpdate(doc model.Document, extra map[string]interface{}) {
	payload := map[string]interface{}{"session": doc}
	for k, v := range extra {
		payload[k] = v
	}
	h.broadcastStamped(TypeEnhancedUpdate, payload, doc.LastUpdate)
}

// BroadcastNINAEvent forwards one normalized upstream event.
func (h *Hub) BroadcastNINAEvent(data interface{}) {
	h.Broadcast(TypeNINAEvent, data)
}

// BroadcastConfigUpdate announces a configuration change.
func (h *Hub) BroadcastConfigUpdate(data interface{}) {
	h.Broadcast(TypeConfigUpdate, data)
}

func (h *Hub) broadcastMessage(out outbound) {
	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(out.msgType) {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range targets {
		if !out.docStamp.IsZero() {
			// A frame older than what the client already holds is dropped;
			// a welcome snapshot may outrun an already-queued broadcast
			if out.docStamp.Before(client.lastDoc) {
				continue
			}
			client.lastDoc = out.docStamp
		}
		if !client.enqueue(out.payload) {
			// Queue overflow: the slow client is dropped, others unaffected
			h.removeClient(client, "slow")
		}
	}
	h.countMessage(out.msgType, "out")
	h.sentTotal.Add(1)
}

func (h *Hub) removeClient(client *Client, reason string) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.closeSend()
	}
	count := len(h.clients)
	h.mutex.Unlock()
	if !ok {
		return
	}

	h.setConnectionGauge(count)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ClientsDropped.WithLabelValues(reason).Inc()
	}
	h.cfg.Logger.WithFields(logging.Fields{
		"client_count": count,
		"reason":       reason,
	}).Info("Dashboard client disconnected")
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.mutex.Unlock()
	h.setConnectionGauge(0)
}

// ClientCount returns the number of admitted clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": h.ClientCount(),
		"max_clients":       h.cfg.MaxClients,
		"messages_sent":     h.sentTotal.Load(),
	}
}

// ServeWS upgrades a dashboard connection. Beyond the cap the socket is
// closed immediately with a try-again-later code.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	if h.ClientCount() >= h.cfg.MaxClients {
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ClientsDropped.WithLabelValues("cap").Inc()
		}
		h.cfg.Logger.WithField("max_clients", h.cfg.MaxClients).Warn("Dashboard client cap reached, rejecting connection")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "client limit reached"))
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.QueueSize),
		logger: h.cfg.Logger,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) setConnectionGauge(count int) {
	if h.cfg.Metrics == nil {
		return
	}
	h.cfg.Metrics.HubConnections.WithLabelValues("/ws").Set(float64(count))
}

func (h *Hub) countMessage(msgType, direction string) {
	if h.cfg.Metrics == nil {
		return
	}
	h.cfg.Metrics.HubMessages.WithLabelValues(msgType, direction).Inc()
}

// enqueue queues a frame without blocking; false means the queue is full or
// the client has already been dropped.
func (c *Client) enqueue(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. Safe against a concurrent
// enqueue from readPump.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// wants reports whether the client's subscribe filter admits the frame type.
// Heartbeats always go through.
func (c *Client) wants(msgType string) bool {
	if msgType == TypeHeartbeat {
		return true
	}
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if c.filter == nil {
		return true
	}
	return c.filter[msgType]
}

func (c *Client) setFilter(events []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(events) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]bool, len(events))
	for _, ev := range events {
		c.filter[ev] = true
	}
}

// readPump consumes advisory client frames until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Dashboard read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.WithError(err).Debug("Ignoring malformed client frame")
			continue
		}
		c.hub.countMessage(frame.Type, "in")

		switch frame.Type {
		case "subscribe":
			c.setFilter(frame.Events)
		case "ping":
			pong, err := json.Marshal(Message{Type: "pong", Timestamp: time.Now().UTC()})
			if err == nil {
				c.enqueue(pong)
			}
		}
	}
}

// writePump is the only writer to the socket. A closed send channel means
// the hub dropped or shut down this client; the peer gets a clean close.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
