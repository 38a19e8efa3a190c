// Package realtime streams new_alert notices to dashboard clients over
// WebSocket.
//
// The hub implements risk.Notifier. NotifyAlert never blocks: a full
// broadcast queue drops the notice, and a client that cannot keep up is
// disconnected.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/risk"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	queueSize      = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// expectedClose are close codes that do not deserve a warning.
var expectedClose = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a real-time message.
type EventType string

const (
	EventAlert EventType = risk.NoticeType
)

// Event is one message on the wire: {"type": ..., "data": ...}.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription filters what a client receives. A client sends one as a
// JSON text frame at any time to replace its current filter.
type Subscription struct {
	AllEvents   bool              `json:"allEvents"`
	EventTypes  []EventType       `json:"eventTypes"`
	Users       []string          `json:"users"`
	MinSeverity activity.Severity `json:"minSeverity"`
}

// Matches reports whether ev passes the filter. User and severity filters
// only look at alert notices.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	n, ok := ev.Data.(risk.Notice)
	if !ok {
		return true
	}
	if len(s.Users) > 0 && !slices.Contains(s.Users, n.UserID) {
		return false
	}
	return s.MinSeverity == "" || n.Severity.Rank() >= s.MinSeverity.Rank()
}

// subscriptionFromQuery reads ?min_severity= and ?user= so plain clients
// can filter without sending a frame. No parameters means everything.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{Users: q["user"]}
	if sev, err := activity.ParseSeverity(q.Get("min_severity")); err == nil {
		sub.MinSeverity = sev
	}
	sub.AllEvents = len(sub.Users) == 0 && sub.MinSeverity == ""
	return sub
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Stats are the hub's counters, served at /v1/realtime/stats.
type Stats struct {
	Connected int   `json:"connectedClients"`
	Events    int64 `json:"totalEvents"`
	Dropped   int64 `json:"droppedEvents"`
	Clients   int64 `json:"totalClients"`
	Peak      int64 `json:"peakClients"`
}

// Hub fans events out to connected clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	upgrader websocket.Upgrader
	logger   *slog.Logger

	events  atomic.Int64
	dropped atomic.Int64
	total   atomic.Int64
	peak    atomic.Int64
}

// NewHub creates a hub. allowedOrigins lists browser origins accepted on
// upgrade in addition to the serving host; "*" accepts any.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: MaxClients,
		broadcast:  make(chan *Event, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
				return true // non-browser client
			case origin == "http://"+r.Host, origin == "https://"+r.Host:
				return true
			}
			return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			all := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				all = append(all, c)
			}
			h.mu.RUnlock()
			h.detach(all...)
			h.logger.Info("realtime hub stopped", "closed_clients", len(all))
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.total.Add(1)
			if n > h.peak.Load() {
				h.peak.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case c := <-h.unregister:
			h.detach(c)
			h.logger.Info("client disconnected", "total", h.connected())

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// deliver sends ev to every matching client and disconnects the ones
// whose buffers are full.
func (h *Hub) deliver(ev *Event) {
	h.events.Add(1)
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.detach(slow...)
		h.logger.Warn("dropped slow websocket clients", "count", len(slow))
	}
}

// detach removes clients and closes their send channels, which makes
// writePump send a close frame. Unknown clients are ignored.
func (h *Hub) detach(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for all matching clients, dropping it when the
// queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
		metrics.NotificationsDroppedTotal.WithLabelValues("websocket").Inc()
		h.logger.Warn("broadcast channel full, dropping event", "type", ev.Type)
	}
}

// NotifyAlert publishes a new_alert notice.
func (h *Hub) NotifyAlert(_ context.Context, n risk.Notice) {
	h.Broadcast(&Event{Type: EventAlert, Timestamp: time.Now(), Data: n})
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connected: h.connected(),
		Events:    h.events.Load(),
		Dropped:   h.dropped.Load(),
		Clients:   h.total.Load(),
		Peak:      h.peak.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.connected() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize), sub: subscriptionFromQuery(r)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription frames and keeps the read deadline alive
// on pongs.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, expectedClose...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if json.Unmarshal(frame, &sub) == nil {
			c.subscribe(sub)
		}
	}
}

// writePump drains send and pings every pingPeriod.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
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
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
