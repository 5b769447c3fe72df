/*
Package api
File: hub.go
Description:
    The WebSocket Hub is the real-time layer. It keeps the set of connected
    clients and pushes two kinds of messages to them: ledger events, which
    only reach sockets subscribed to the event's wallet (or to every wallet),
    and the accrual pulse the heartbeat in main sends after each tick.

    Architecture:
    - Hub: the single manager, run with `go hub.Run(ctx)`.
    - Client: one browser connection, optionally bound to a wallet.
    - ServeWs: upgrades GET /ws?wallet=... to a WebSocket.
*/

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cosmicvoyage/star-economy/internal/game"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Message is the JSON envelope for everything sent over the socket.
type Message struct {
	Type    string `json:"type"` // "ledger_event" or "accrual_pulse"
	Payload any    `json:"payload"`
	Sender  string `json:"sender"`
}

// Client is one connected socket. An empty wallet receives every event.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	wallet string
	send   chan []byte
}

// outbound is a serialized message and the wallet it is meant for.
type outbound struct {
	wallet string
	data   []byte
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	connected  atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.connected.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.connected.Store(int64(len(h.clients)))
			log.Printf("WS: client registered (wallet=%q)", c.wallet)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.connected.Store(int64(len(h.clients)))
			}

		case m := <-h.broadcast:
			for c := range h.clients {
				if m.wallet != "" && c.wallet != "" && !strings.EqualFold(c.wallet, m.wallet) {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					// Slow or gone; drop it rather than stall everyone.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.connected.Store(int64(len(h.clients)))
		}
	}
}

// Clients reports how many sockets are registered.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

func (h *Hub) enqueue(wallet string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("WS: marshal %s failed: %v", msg.Type, err)
		return
	}
	select {
	case h.broadcast <- outbound{wallet: wallet, data: data}:
	default:
		log.Printf("WS: broadcast queue full, dropped %s", msg.Type)
	}
}

// Publish implements game.EventSink. It never blocks the ledger.
func (h *Hub) Publish(e game.Event) {
	h.enqueue(e.Wallet, Message{Type: "ledger_event", Payload: e, Sender: "ledger"})
}

// Pulse tells every client that a heartbeat settled accrual.
func (h *Hub) Pulse(rep game.TickReport) {
	h.enqueue("", Message{Type: "accrual_pulse", Payload: rep, Sender: "system"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and starts the client's pumps.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WS: upgrade error:", err)
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		wallet: r.URL.Query().Get("wallet"),
		send:   make(chan []byte, 256),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only watches for the peer going away; clients do not send
// anything the server acts on.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS: read error: %v", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
