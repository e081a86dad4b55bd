package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perilstack/lossengine/internal/store"
	wsHub "github.com/perilstack/lossengine/internal/ws"
)

const testInterval = 20 * time.Millisecond

func newStore(runs ...*store.Run) *store.Store {
	st := store.New(5 * time.Minute)
	for _, r := range runs {
		st.Put(r)
	}
	return st
}

func run(id string, state store.State) *store.Run {
	return &store.Run{ID: id, State: state, Formula: "exponential", StartedAt: time.Now()}
}

// startHub serves the hub over httptest and runs its loop until cleanup.
func startHub(t *testing.T, st *store.Store, interval time.Duration) (string, *wsHub.Hub, context.CancelFunc) {
	t.Helper()
	hub := wsHub.New(st, interval)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub, cancel
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var e envelope
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return e
}

func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count = %d, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ConnectReceivesRunList(t *testing.T) {
	wsURL, _, _ := startHub(t, newStore(run("a", store.StateSucceeded), run("b", store.StateFailed)), time.Hour)
	conn := dial(t, wsURL)

	e := readMessage(t, conn)
	if e.Event != wsHub.EventRuns {
		t.Fatalf("event = %q, want runs", e.Event)
	}
	var list struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(e.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Runs) != 2 {
		t.Errorf("runs = %d, want 2", len(list.Runs))
	}
}

func TestHub_PublishPushesRun(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore(), time.Hour)
	conn := dial(t, wsURL)
	readMessage(t, conn) // initial list
	waitCount(t, hub, 1)

	r := run("fresh", store.StateSucceeded)
	r.TotalLoss = 12.345
	hub.Publish(r)

	e := readMessage(t, conn)
	if e.Event != wsHub.EventRun {
		t.Fatalf("event = %q, want run", e.Event)
	}
	var got map[string]any
	json.Unmarshal(e.Data, &got) //nolint:errcheck
	if got["id"] != "fresh" || got["total_loss_display"] != "12.35" {
		t.Errorf("data = %v", got)
	}
	if _, ok := got["losses"]; ok {
		t.Error("losses should not be streamed")
	}
}

func TestHub_TickBroadcastsList(t *testing.T) {
	st := newStore()
	wsURL, _, _ := startHub(t, st, testInterval)
	conn := dial(t, wsURL)
	readMessage(t, conn)

	st.Put(run("later", store.StateSucceeded))
	e := readMessage(t, conn)
	if e.Event != wsHub.EventRuns || !strings.Contains(string(e.Data), "later") {
		t.Errorf("tick message = %s %s", e.Event, e.Data)
	}
}

func TestHub_CountAndDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, newStore(), time.Hour)
	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i])
	}
	waitCount(t, hub, 3)

	conns[0].Close()
	waitCount(t, hub, 2)
}

func TestHub_CancelClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, newStore(), time.Hour)
	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	cancel()
	waitCount(t, hub, 0)
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	srv := httptest.NewServer(wsHub.New(newStore(), testInterval))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
