package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/risk"
)

func decisionEvent(sender, recipient string, score float64, tier risk.Tier) *Event {
	return &Event{
		Type:     EventDecision,
		entities: []string{sender, recipient},
		score:    score,
		tier:     string(tier),
	}
}

func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	h := NewHub(logging.Discard(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func recvEvent(t *testing.T, ch <-chan []byte) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "send channel closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(msg, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Subscription matching
// ---------------------------------------------------------------------------

func TestSubscription_AllEvents(t *testing.T) {
	sub := Subscription{AllEvents: true}
	assert.True(t, sub.Matches(decisionEvent("a", "b", 5, risk.TierLow)))
	assert.True(t, sub.Matches(&Event{Type: EventAlert}))
}

func TestSubscription_EventTypeFilter(t *testing.T) {
	sub := Subscription{EventTypes: []EventType{EventAlert}}
	assert.True(t, sub.Matches(&Event{Type: EventAlert, entities: []string{"x"}}))
	assert.False(t, sub.Matches(decisionEvent("a", "b", 99, risk.TierCritical)))
}

func TestSubscription_EntityFilter(t *testing.T) {
	sub := Subscription{Entities: []string{"+255711000001"}}
	assert.True(t, sub.Matches(decisionEvent("+255711000001", "m-1", 10, risk.TierLow)), "sender match")
	assert.True(t, sub.Matches(decisionEvent("m-2", "+255711000001", 10, risk.TierLow)), "recipient match")
	assert.False(t, sub.Matches(decisionEvent("m-2", "m-3", 10, risk.TierLow)))
}

func TestSubscription_ScoreAndTierFilters(t *testing.T) {
	minScore := Subscription{MinScore: 70}
	assert.False(t, minScore.Matches(decisionEvent("a", "b", 69.9, risk.TierMedium)))
	assert.True(t, minScore.Matches(decisionEvent("a", "b", 70, risk.TierHigh)))
	assert.True(t, minScore.Matches(&Event{Type: EventAlert}), "alerts carry no score")

	tiers := Subscription{Tiers: []string{"critical"}}
	assert.True(t, tiers.Matches(decisionEvent("a", "b", 91, risk.TierCritical)))
	assert.False(t, tiers.Matches(decisionEvent("a", "b", 75, risk.TierHigh)))
}

func TestEvent_RoutingFieldsNotSerialized(t *testing.T) {
	raw, err := json.Marshal(decisionEvent("a", "b", 42, risk.TierMedium))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "decision", out["type"])
	assert.NotContains(t, out, "entities")
	assert.NotContains(t, out, "score")
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

func TestRun_DeliversMatchingEvents(t *testing.T) {
	h := startHub(t)

	watcher := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{Entities: []string{"cust-7"}}}
	h.register <- watcher

	h.BroadcastAlert("someone-else", "ignored")
	h.BroadcastAlert("cust-7", "Transaction tx-1 declined")

	ev := recvEvent(t, watcher.send)
	assert.Equal(t, "alert", ev["type"])
	assert.Contains(t, ev["data"].(map[string]any)["message"], "tx-1")

	select {
	case msg := <-watcher.send:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_DisconnectsSlowClient(t *testing.T) {
	h := startHub(t)

	slow := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	slow.send <- []byte(`{}`) // buffer already full
	h.register <- slow
	h.BroadcastAlert("x", "first")

	require.Eventually(t, func() bool {
		return h.Stats()["droppedClients"] == int64(1)
	}, 2*time.Second, 5*time.Millisecond)

	<-slow.send
	_, ok := <-slow.send
	assert.False(t, ok, "slow client should be closed, not fed")
	assert.Equal(t, 0, h.Stats()["connectedClients"])
}

func TestRun_ShutdownClosesClients(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- c
	cancel()

	select {
	case _, ok := <-c.send:
		assert.False(t, ok, "send channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}
	<-h.done
}

func TestReplay_SendsMatchingBacklogOldestFirst(t *testing.T) {
	h := startHub(t, WithBacklog(2))

	// A registered client proves each broadcast has been fanned out
	// (and therefore recorded) before the next step.
	watcher := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{AllEvents: true}}
	h.register <- watcher
	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		h.BroadcastDecision(&risk.Decision{TransactionID: id, SenderID: "s", RecipientID: "r", Score: 80, Tier: risk.TierCritical})
		recvEvent(t, watcher.send)
	}

	late := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{Tiers: []string{"critical"}}}
	h.register <- late
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.replay(late), "backlog holds the last two events")
	first := recvEvent(t, late.send)
	second := recvEvent(t, late.send)
	assert.Equal(t, "tx-2", first["data"].(map[string]any)["transactionId"])
	assert.Equal(t, "tx-3", second["data"].(map[string]any)["transactionId"])
}

// ---------------------------------------------------------------------------
// WebSocket surface
// ---------------------------------------------------------------------------

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestHandleWebSocket_StreamsDecisions(t *testing.T) {
	h := startHub(t)
	conn := dial(t, h)

	h.BroadcastDecision(&risk.Decision{
		TransactionID: "tx-ws",
		SenderID:      "s",
		RecipientID:   "r",
		Score:         88,
		Tier:          risk.TierCritical,
		Outcome:       risk.OutcomeDecline,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type string          `json:"type"`
		Data DecisionSummary `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "decision", ev.Type)
	assert.Equal(t, "tx-ws", ev.Data.TransactionID)
	assert.Equal(t, risk.OutcomeDecline, ev.Data.Outcome)
}

func TestHandleWebSocket_SubscribeNarrowsFeed(t *testing.T) {
	h := startHub(t)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(Command{
		Action:       "subscribe",
		Subscription: &Subscription{Tiers: []string{"critical"}},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack Event
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, EventSubscribed, ack.Type)

	h.BroadcastDecision(&risk.Decision{TransactionID: "tx-low", Score: 5, Tier: risk.TierLow})
	h.BroadcastDecision(&risk.Decision{TransactionID: "tx-crit", Score: 96, Tier: risk.TierCritical})

	var ev struct {
		Type string          `json:"type"`
		Data DecisionSummary `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "tx-crit", ev.Data.TransactionID)
}

func TestHandleWebSocket_RejectsForeignOrigin(t *testing.T) {
	h := startHub(t, WithAllowedOrigins([]string{"https://console.example.com"}))
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.net"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://console.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
