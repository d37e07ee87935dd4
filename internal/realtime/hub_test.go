package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parceld/gate/internal/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestHubBroadcastToSubscribedClient(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for registration
	waitForClients(t, hub, 1)

	hub.BroadcastEvent(&audit.Event{
		ID:       "evt_1",
		Actor:    "cust_1",
		Kind:     audit.KindReplayAttempt,
		Severity: audit.SeverityHigh,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(msg), "evt_1") {
		t.Errorf("expected broadcast event, got %s", msg)
	}
}

func TestHubSubscriptionFiltering(t *testing.T) {
	hub := NewHub(testLogger())

	client := &Client{sub: Subscription{
		Severities: []audit.Severity{audit.SeverityCritical},
	}}

	low := &audit.Event{Kind: audit.KindRiskFlag, Severity: audit.SeverityLow}
	crit := &audit.Event{Kind: audit.KindRiskBlocked, Severity: audit.SeverityCritical}

	if hub.shouldSend(client, low) {
		t.Error("low severity event should be filtered out")
	}
	if !hub.shouldSend(client, crit) {
		t.Error("critical event should pass the filter")
	}
}

func TestHubKindAndActorFilters(t *testing.T) {
	hub := NewHub(testLogger())

	client := &Client{sub: Subscription{
		Kinds:  []string{audit.KindReplayAttempt},
		Actors: []string{"cust_1"},
	}}

	match := &audit.Event{Kind: audit.KindReplayAttempt, Actor: "cust_1"}
	wrongKind := &audit.Event{Kind: audit.KindRiskFlag, Actor: "cust_1"}
	wrongActor := &audit.Event{Kind: audit.KindReplayAttempt, Actor: "cust_2"}

	if !hub.shouldSend(client, match) {
		t.Error("matching event should pass")
	}
	if hub.shouldSend(client, wrongKind) {
		t.Error("wrong kind should be filtered")
	}
	if hub.shouldSend(client, wrongActor) {
		t.Error("wrong actor should be filtered")
	}
}

func TestHubAllEventsSubscription(t *testing.T) {
	hub := NewHub(testLogger())
	client := &Client{sub: Subscription{AllEvents: true}}

	if !hub.shouldSend(client, &audit.Event{Kind: audit.KindRiskFlag, Severity: audit.SeverityLow}) {
		t.Error("AllEvents subscription must receive everything")
	}
}

func TestHubSubscriptionUpdateOverWire(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	// Narrow the subscription to critical events only.
	err = conn.WriteMessage(websocket.TextMessage, []byte(`{"severities":["critical"]}`))
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Give readPump a moment to apply the update.
	time.Sleep(100 * time.Millisecond)

	hub.BroadcastEvent(&audit.Event{ID: "evt_low", Severity: audit.SeverityLow, Kind: audit.KindRiskFlag})
	hub.BroadcastEvent(&audit.Event{ID: "evt_crit", Severity: audit.SeverityCritical, Kind: audit.KindRiskBlocked})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(msg), "evt_crit") {
		t.Errorf("expected only the critical event, got %s", msg)
	}
}

func TestHubRejectsUpgradeAfterShutdown(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	hub.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHubStats(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	stats := hub.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients", want)
}
