package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

func dialHub(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d want=%d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (Message, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Message
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env.Message, env.Payload
}

func TestHub_EventsReachOnlyTheirWallet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	conn := dialHub(t, hub, "?wallet=0xalice")
	waitForClients(t, hub, 1)

	hub.Publish(game.Event{Type: game.EventDiscovered, Wallet: "0xbob", Body: "Venus"})
	hub.Publish(game.Event{Type: game.EventDiscovered, Wallet: "0xALICE", Body: "Mercury", Amount: game.STAR(10)})

	msg, payload := readMessage(t, conn)
	var e game.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Type != "ledger_event" || e.Body != "Mercury" || e.Amount != game.STAR(10) {
		t.Fatalf("msg=%+v event=%+v", msg, e)
	}
}

func TestHub_PulseReachesEveryone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	a := dialHub(t, hub, "?wallet=0xa")
	b := dialHub(t, hub, "")
	waitForClients(t, hub, 2)

	hub.Pulse(game.TickReport{Sessions: 2, Settled: 1, Accrued: game.STAR(1)})
	for _, conn := range []*websocket.Conn{a, b} {
		msg, payload := readMessage(t, conn)
		var rep game.TickReport
		if err := json.Unmarshal(payload, &rep); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if msg.Type != "accrual_pulse" || rep.Sessions != 2 || rep.Accrued != game.STAR(1) {
			t.Fatalf("msg=%+v report=%+v", msg, rep)
		}
	}
}

func TestHub_UnregistersClosedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	conn := dialHub(t, hub, "")
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
}
