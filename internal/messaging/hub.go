package messaging

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lokii1211/kadaigpt-sub002/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Hub bridges bus messages to connected browser tabs and relays tab signals
// (connectivity, sync requests) back onto the bus.
type Hub struct {
	bus      Poster
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	seq        atomic.Uint64
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub posting inbound tab messages to bus. Call Run to start it.
func NewHub(bus Poster) *Hub {
	h := &Hub{
		bus:        bus,
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     sameMachine,
	}
	return h
}

// sameMachine accepts connections without an Origin or from a loopback page.
func sameMachine(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	reqHost, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		reqHost = r.Host
	}
	return host == reqHost
}

// Run manages client connections until ctx is done, then closes them all.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Websocket client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Websocket client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow tab, drop it
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Relay is a bus handler forwarding msg to every tab. Captured requests and
// inbound tab signals are not echoed.
func (h *Hub) Relay(ctx context.Context, msg Message) error {
	switch msg.Type {
	case QueueOfflineRequest, Connectivity, ProcessSyncQueue:
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ClientCount returns the number of connected tabs.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the tab to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:   strconv.FormatUint(h.seq.Add(1), 10) + "-" + r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readPump posts tab messages onto the bus.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			logging.Debug("Ignoring malformed websocket message", map[string]interface{}{"client_id": c.id})
			continue
		}
		switch in.Type {
		case Connectivity, ProcessSyncQueue:
		default:
			continue
		}

		msg := Message{Type: in.Type, Data: in.Data, Timestamp: time.Now().UnixMilli()}
		if err := c.hub.bus.Post(context.Background(), msg); err != nil {
			logging.Error("Failed to handle websocket message", err, map[string]interface{}{
				"client_id": c.id,
				"type":      string(in.Type),
			})
		}
	}
}

func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
