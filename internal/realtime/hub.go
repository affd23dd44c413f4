// Package realtime streams risk decisions and alerts to analyst consoles
// over WebSocket. Clients narrow the feed by sending a subscribe command and
// may ask for the recent backlog to be replayed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/risk"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 * 1024
	sendBuffer     = 256

	// DefaultMaxClients caps concurrent analyst connections.
	DefaultMaxClients = 1000
	// DefaultBacklog is how many recent events are kept for replay.
	DefaultBacklog = 100
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for feed events
type EventType string

const (
	EventDecision   EventType = "decision"
	EventAlert      EventType = "alert"
	EventSubscribed EventType = "subscribed"
	EventPong       EventType = "pong"
)

// Event is one feed message. The unexported routing fields drive
// subscription matching and are never serialized.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`

	entities []string
	score    float64
	tier     string
}

// Subscription filters the feed for one client. The zero value matches
// nothing but control messages; AllEvents matches everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Entities   []string    `json:"entities,omitempty"` // senders or recipients to watch
	Tiers      []string    `json:"tiers,omitempty"`    // decision tiers to keep
	MinScore   float64     `json:"minScore,omitempty"` // decisions at or above this score
}

// Matches reports whether ev passes the filters. Score and tier filters
// only constrain decisions.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Entities) > 0 && !containsAny(s.Entities, ev.entities) {
		return false
	}
	if ev.Type == EventDecision {
		if s.MinScore > 0 && ev.score < s.MinScore {
			return false
		}
		if len(s.Tiers) > 0 && !contains(s.Tiers, ev.tier) {
			return false
		}
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsAny(want, have []string) bool {
	for _, id := range have {
		if contains(want, id) {
			return true
		}
	}
	return false
}

// Command is a message sent by a client.
//
//	{"action":"subscribe","subscription":{"tiers":["critical"]},"replay":true}
//	{"action":"ping"}
type Command struct {
	Action       string        `json:"action"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Replay       bool          `json:"replay,omitempty"`
}

// Client is one analyst connection.
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

func (c *Client) setSubscription(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// encodedEvent pairs an event with its wire form so each event is
// marshalled once regardless of audience size.
type encodedEvent struct {
	ev      *Event
	payload []byte
}

// Hub fans feed events out to connected clients.
type Hub struct {
	logger     *slog.Logger
	origins    []string
	maxClients int

	broadcast  chan encodedEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	mu      sync.RWMutex
	clients map[*Client]struct{}
	backlog []encodedEvent // ring, oldest at next
	next    int
	filled  bool

	upgrader websocket.Upgrader

	totalEvents    atomic.Int64
	droppedEvents  atomic.Int64
	totalClients   atomic.Int64
	droppedClients atomic.Int64
	peakClients    atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins lists browser origins allowed to open the feed in
// addition to same-host pages.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithBacklog sets how many recent events are kept for replay. Zero
// disables replay.
func WithBacklog(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.backlog = make([]encodedEvent, n)
		}
	}
}

// NewHub creates a feed hub. Run must be started before clients connect.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logging.Component(logger, "realtime"),
		maxClients: DefaultMaxClients,
		broadcast:  make(chan encodedEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		backlog:    make([]encodedEvent, DefaultBacklog),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if contains(h.origins, "*") || contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run owns client registration and fan-out until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("analyst feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends a close frame
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("analyst feed stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("analyst connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("analyst disconnected", "clients", n)

		case e := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(e)
		}
	}
}

// fanOut delivers e to matching clients and records it in the backlog.
// Clients whose buffers are full are disconnected so one slow console
// cannot stall the feed.
func (h *Hub) fanOut(e encodedEvent) {
	var slow []*Client

	h.mu.Lock()
	if len(h.backlog) > 0 {
		h.backlog[h.next] = e
		h.next = (h.next + 1) % len(h.backlog)
		if h.next == 0 {
			h.filled = true
		}
	}
	for c := range h.clients {
		if !c.subscription().Matches(e.ev) {
			continue
		}
		select {
		case c.send <- e.payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.drop(c)
		h.droppedClients.Add(1)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if len(slow) > 0 {
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("disconnected slow analyst clients", "count", len(slow))
	}
}

// drop removes c and closes its send channel. Caller holds h.mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// replay sends the backlog events matching c's subscription, oldest first.
func (h *Hub) replay(c *Client) int {
	sub := c.subscription()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return 0
	}

	start, count := 0, h.next
	if h.filled {
		start, count = h.next, len(h.backlog)
	}
	sent := 0
	for i := 0; i < count; i++ {
		e := h.backlog[(start+i)%len(h.backlog)]
		if !sub.Matches(e.ev) {
			continue
		}
		select {
		case c.send <- e.payload:
			sent++
		default:
			return sent
		}
	}
	return sent
}

// reply queues a control message for c alone.
func (h *Hub) reply(c *Client, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// Broadcast queues ev for fan-out. It never blocks; events are dropped
// when the hub is saturated.
func (h *Hub) Broadcast(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode feed event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- encodedEvent{ev: ev, payload: payload}:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("analyst feed saturated, dropping event", "type", ev.Type)
	}
}

// DecisionSummary is the feed payload for a decision.
type DecisionSummary struct {
	TransactionID  string       `json:"transactionId"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId"`
	Score          float64      `json:"score"`
	Tier           risk.Tier    `json:"tier"`
	Outcome        risk.Outcome `json:"outcome"`
	TriggeredRules []string     `json:"triggeredRules"`
	Offline        bool         `json:"offline"`
	EvaluatedAt    time.Time    `json:"evaluatedAt"`
}

// BroadcastDecision publishes a recorded decision.
func (h *Hub) BroadcastDecision(d *risk.Decision) {
	h.Broadcast(&Event{
		Type: EventDecision,
		Data: DecisionSummary{
			TransactionID:  d.TransactionID,
			SenderID:       d.SenderID,
			RecipientID:    d.RecipientID,
			Score:          d.Score,
			Tier:           d.Tier,
			Outcome:        d.Outcome,
			TriggeredRules: d.TriggeredRules,
			Offline:        d.Offline,
			EvaluatedAt:    d.EvaluatedAt,
		},
		entities: []string{d.SenderID, d.RecipientID},
		score:    d.Score,
		tier:     string(d.Tier),
	})
}

// Alert is the feed payload for a rendered alert.
type Alert struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
}

// BroadcastAlert publishes an alert addressed to recipientID.
func (h *Hub) BroadcastAlert(recipientID, message string) {
	h.Broadcast(&Event{
		Type:     EventAlert,
		Data:     Alert{RecipientID: recipientID, Message: message},
		entities: []string{recipientID},
	})
}

// Stats returns feed counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": connected,
		"peakClients":      h.peakClients.Load(),
		"totalClients":     h.totalClients.Load(),
		"droppedClients":   h.droppedClients.Load(),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client that receives
// every event until it subscribes more narrowly.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies client commands until the connection fails.
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
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg []byte) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return
	}
	switch cmd.Action {
	case "subscribe":
		sub := Subscription{AllEvents: true}
		if cmd.Subscription != nil {
			sub = *cmd.Subscription
		}
		c.setSubscription(sub)
		c.hub.reply(c, &Event{Type: EventSubscribed, Timestamp: time.Now().UTC(), Data: sub})
		if cmd.Replay {
			c.hub.replay(c)
		}
	case "ping":
		c.hub.reply(c, &Event{Type: EventPong, Timestamp: time.Now().UTC()})
	}
}

// writePump drains the send channel and keeps the connection alive.
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
