// Package realtime streams settlement activity to operators over WebSocket.
//
// Operators connect to the events endpoint and receive the most recent
// settlement events followed by the live stream. Sending a Subscription
// message narrows the stream to event types or listing ids.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/voucherescrow/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// MaxClients caps concurrent operator streams.
	MaxClients = 256
	// BacklogSize is how many recent events a new stream replays.
	BacklogSize = 64
)

// EventType names a stream event.
type EventType string

const (
	EventReleased     EventType = "settlement.released"
	EventRefunded     EventType = "settlement.refunded"
	EventFailed       EventType = "settlement.failed"
	EventSkipped      EventType = "settlement.skipped"
	EventScanComplete EventType = "scan.completed"
	EventStateChanged EventType = "controller.state"
)

// Event is one message on the stream.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	ListingID uint64      `json:"listingId,omitempty"`
	Data      interface{} `json:"data"`
}

// Subscription is the filter message a client may send at any time.
// Listing filters never hide events that are not about a listing.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	ListingIDs []uint64    `json:"listingIds"`
}

type filter struct {
	types    map[EventType]struct{}
	listings map[uint64]struct{}
}

func compile(sub Subscription) filter {
	var f filter
	if sub.AllEvents {
		return f
	}
	if len(sub.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			f.types[t] = struct{}{}
		}
	}
	if len(sub.ListingIDs) > 0 {
		f.listings = make(map[uint64]struct{}, len(sub.ListingIDs))
		for _, id := range sub.ListingIDs {
			f.listings[id] = struct{}{}
		}
	}
	return f
}

func (f filter) match(e *Event) bool {
	if f.types != nil {
		if _, ok := f.types[e.Type]; !ok {
			return false
		}
	}
	if f.listings != nil && e.ListingID != 0 {
		_, ok := f.listings[e.ListingID]
		return ok
	}
	return true
}

// Client is one operator connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter filter
}

func newClient(h *Hub, conn *websocket.Conn, sub Subscription) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), filter: compile(sub)}
}

func (c *Client) wants(e *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.match(e)
}

func (c *Client) subscribe(sub Subscription) {
	f := compile(sub)
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

// Stats describes hub activity.
type Stats struct {
	Connected   int   `json:"connectedClients"`
	Events      int64 `json:"totalEvents"`
	Connections int64 `json:"totalClients"`
	Peak        int64 `json:"peakClients"`
	Dropped     int64 `json:"droppedClients"`
}

type frame struct {
	event   *Event
	payload []byte
}

// Hub fans events out to operator streams. Run owns the client set.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *slog.Logger
	maxClients int

	// backlog is a ring of recent frames, touched only by Run.
	backlog []frame
	next    int

	connected   atomic.Int64
	events      atomic.Int64
	connections atomic.Int64
	peak        atomic.Int64
	dropped     atomic.Int64
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
		backlog:    make([]frame, 0, BacklogSize),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every stream.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			n := h.setConnected()
			h.connections.Add(1)
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			h.replay(c)
			h.logger.Info("operator stream connected", "total", n)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("operator stream disconnected", "total", len(h.clients))
			}

		case e := <-h.broadcast:
			h.events.Add(1)
			f := frame{event: e, payload: encode(e)}
			h.remember(f)
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- f.payload:
				default:
					h.dropped.Add(1)
					h.logger.Warn("operator stream too slow, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.setConnected()
}

func (h *Hub) setConnected() int {
	n := len(h.clients)
	h.connected.Store(int64(n))
	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

func (h *Hub) remember(f frame) {
	if len(h.backlog) < BacklogSize {
		h.backlog = append(h.backlog, f)
		return
	}
	h.backlog[h.next] = f
	h.next = (h.next + 1) % BacklogSize
}

// replay sends the backlog oldest first.
func (h *Hub) replay(c *Client) {
	n := len(h.backlog)
	for i := 0; i < n; i++ {
		f := h.backlog[(h.next+i)%n]
		if !c.wants(f.event) {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
			return
		}
	}
}

func encode(e *Event) []byte {
	data, _ := json.Marshal(e)
	return data
}

// Broadcast queues e for every matching stream. It never blocks; events
// are dropped when the hub is saturated.
func (h *Hub) Broadcast(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", e.Type, "listingId", e.ListingID)
	}
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connected:   int(h.connected.Load()),
		Events:      h.events.Load(),
		Connections: h.connections.Load(),
		Peak:        h.peak.Load(),
		Dropped:     h.dropped.Load(),
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// HandleWebSocket upgrades an operator request to a stream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.connected.Load() >= int64(h.maxClients) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, Subscription{AllEvents: true})
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.subscribe(sub)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
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
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
