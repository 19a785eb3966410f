package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ats-supervisor/internal/markethours"
	"ats-supervisor/internal/portfolio"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// envelope is one stream message.
type envelope struct {
	Type    string          `json:"type"` // portfolio | market
	Seq     int64           `json:"seq,omitempty"`
	TS      time.Time       `json:"ts"`
	Initial bool            `json:"initial,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Hub fans portfolio updates out to websocket clients. Every update gets a
// sequence number; a client reconnecting with ?last_seq=N is backfilled from
// the replay buffer, or sent the latest view when N is too old.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64
	latest  []byte
	replay  *ReplayBuffer
	now     func() time.Time
}

// NewHub creates a hub keeping replaySize envelopes for backfill.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		replay:  NewReplayBuffer(replaySize),
		now:     time.Now,
	}
}

// Publish implements portfolio.Publisher.
func (h *Hub) Publish(_ context.Context, u portfolio.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	h.mu.Lock()
	h.seq++
	env, err := json.Marshal(envelope{Type: "portfolio", Seq: h.seq, TS: u.Timestamp, Data: data})
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("encode envelope: %w", err)
	}
	h.latest = env
	h.replay.Push(h.seq, env)
	for c := range h.clients {
		c.offer(env)
	}
	h.mu.Unlock()
	return nil
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Missed returns the envelopes after seq, or ok=false when the buffer no
// longer covers the gap.
func (h *Hub) Missed(after int64) ([]json.RawMessage, bool) {
	oldest := h.replay.Oldest()
	if oldest == 0 || after+1 < oldest {
		return nil, after >= h.Seq()
	}
	entries := h.replay.Since(after)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out, true
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64), hub: h}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	slog.Info("ws client connected", slog.Int("clients", count))

	lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("last_seq"), 10, 64)
	c.sendInitial(lastSeq)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// StartMarketBroadcast sends the exchange session status every interval.
func (h *Hub) StartMarketBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastMarket(h.now())
		}
	}
}

func (h *Hub) broadcastMarket(now time.Time) {
	data, _ := json.Marshal(map[string]any{
		"open":   markethours.IsMarketOpen(now),
		"status": markethours.StatusString(now),
	})
	env, _ := json.Marshal(envelope{Type: "market", TS: now, Data: data})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.offer(env)
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// offer queues msg without blocking; slow clients drop messages and catch
// up through last_seq. Callers hold the hub lock or own the client.
func (c *client) offer(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) sendInitial(lastSeq int64) {
	if lastSeq > 0 {
		if missed, ok := c.hub.Missed(lastSeq); ok {
			for _, m := range missed {
				c.offer(m)
			}
			return
		}
	}
	c.hub.mu.RLock()
	latest := c.hub.latest
	c.hub.mu.RUnlock()
	if latest == nil {
		return
	}
	var env envelope
	if json.Unmarshal(latest, &env) != nil {
		return
	}
	env.Initial = true
	if b, err := json.Marshal(env); err == nil {
		c.offer(b)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		slog.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ping struct {
			Ping int64 `json:"ping"`
		}
		if json.Unmarshal(msg, &ping) == nil && ping.Ping > 0 {
			pong, _ := json.Marshal(map[string]any{"type": "pong", "ping": ping.Ping, "server_ts": time.Now().UnixMilli()})
			c.offer(pong)
		}
	}
}
