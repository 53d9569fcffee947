package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

func newTestClient(h *Hub, id string, regions ...string) *Client {
	c := &Client{ID: id, regions: make(map[string]bool), send: make(chan []byte, 4), hub: h}
	for _, r := range regions {
		c.Follow(r)
	}
	return c
}

func receive(t *testing.T, c *Client) ReportEvent {
	t.Helper()
	select {
	case data := <-c.send:
		var ev ReportEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s: timed out waiting for event", c.ID)
		return ReportEvent{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("client %s: unexpected event %s", c.ID, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient(h, "c1")
	h.Register(c)
	time.Sleep(50 * time.Millisecond)
	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", h.ClientCount())
	}

	h.Unregister(c)
	time.Sleep(50 * time.Millisecond)
	if h.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("expected send channel to be closed")
	}
}

func TestHubFiltersByRegion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	all := newTestClient(h, "all")
	valpo := newTestClient(h, "valpo", "valparaiso")
	arica := newTestClient(h, "arica", "Arica")
	h.mu.Lock()
	for _, c := range []*Client{all, valpo, arica} {
		h.clients[c.ID] = c
	}
	h.mu.Unlock()

	h.Publish(ReportEvent{Region: "Valparaíso", Status: aggregator.StatusInterest, InterestCount: 1, PublishedCount: 1})

	if ev := receive(t, all); ev.Region != "Valparaíso" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev := receive(t, valpo); ev.InterestCount != 1 {
		t.Errorf("unexpected event %+v", ev)
	}
	expectNothing(t, arica)
}

func TestHookStreamsStoreReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	c := newTestClient(h, "c1")
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	store := aggregator.NewStore(nil, 0)
	store.OnReport(h.Hook())
	if _, _, err := store.Report("punta_arenas", aggregator.StatusIgnored, json.RawMessage(`{"id":"cl-02"}`)); err != nil {
		t.Fatalf("Report: %v", err)
	}

	ev := receive(t, c)
	if ev.Region != "Punta Arenas" || ev.Status != aggregator.StatusIgnored || ev.PublishedCount != 1 {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(ev.Quake) != `{"id":"cl-02"}` {
		t.Errorf("expected newest sample, got %s", ev.Quake)
	}
}

func TestClientFollowUnfollow(t *testing.T) {
	c := newTestClient(nil, "c")
	if !c.Wants("Arica") {
		t.Error("client without filter should want everything")
	}
	c.Follow("coquimbo")
	if c.Wants("Arica") || !c.Wants("Coquimbo") {
		t.Error("filter not applied")
	}
	c.Unfollow("Coquimbo")
	if !c.Wants("Arica") {
		t.Error("empty filter should want everything again")
	}
}

func TestServeWSStreamsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub()
	go h.Run(ctx)

	r := mux.NewRouter()
	NewHandler(h, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/regions?region=Arica"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Publish(ReportEvent{Region: "Coquimbo", Status: aggregator.StatusIgnored})
	h.Publish(ReportEvent{Region: "Arica", Status: aggregator.StatusInterest, InterestCount: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ReportEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Region != "Arica" || ev.InterestCount != 3 {
		t.Errorf("expected only the Arica event, got %+v", ev)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"HTTP://LOCALHOST:3000", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws/regions", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
	if !originChecker([]string{"*"})(func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "http://anything")
		return req
	}()) {
		t.Error("wildcard should allow any origin")
	}
}
