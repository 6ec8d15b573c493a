// hub.go manages the client-facing WebSocket fan-out.
//
// Each client subscribes to a symbol set (/ws?symbols=X,Y). Frames are
// split into two lanes: metrics frames may be dropped oldest-first when a
// client falls behind, integrity and status frames are never dropped. A
// client that cannot even keep up with the critical lane is disconnected.
package api

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perpflow/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // clients only send subscription tweaks
	criticalBuffer = 64
)

type envelope struct {
	symbol   string
	critical bool
	data     []byte
}

// Hub tracks connected WebSocket clients and routes frames to them by
// symbol subscription.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
	sendBuffer int
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Client is one connected WebSocket consumer.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	symbols  map[string]bool
	critical chan []byte // integrity + status, never dropped
	metrics  chan []byte // metrics frames, drop-oldest on overflow
}

// NewHub creates a hub; sendBuffer is the per-client metrics queue depth.
func NewHub(sendBuffer int, logger *slog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 1024),
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run starts the hub's main loop (should be called in a goroutine).
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "count", n)

		case client := <-h.unregister:
			h.drop(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.critical)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", "count", n)
}

func (h *Hub) deliver(env envelope) {
	h.mu.RLock()
	var stuck []*Client
	for client := range h.clients {
		if !client.symbols[env.symbol] {
			continue
		}
		if env.critical {
			select {
			case client.critical <- env.data:
			default:
				// Cannot keep up with even the critical lane.
				stuck = append(stuck, client)
			}
			continue
		}
		select {
		case client.metrics <- env.data:
		default:
			// Full: evict the oldest metrics frame, then retry once.
			select {
			case <-client.metrics:
				metrics.SnapshotsDropped.WithLabelValues(env.symbol).Inc()
			default:
			}
			select {
			case client.metrics <- env.data:
			default:
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range stuck {
		h.drop(client)
	}
}

// BroadcastMetrics queues a metrics frame for all subscribers of the symbol.
func (h *Hub) BroadcastMetrics(frame MetricsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal metrics frame", "error", err)
		return
	}
	metrics.SnapshotsSent.WithLabelValues(frame.Symbol).Inc()
	select {
	case h.broadcast <- envelope{symbol: frame.Symbol, data: data}:
	default:
		metrics.SnapshotsDropped.WithLabelValues(frame.Symbol).Inc()
	}
}

// BroadcastCritical queues an integrity or status frame. Blocks rather
// than drops if the hub queue is full.
func (h *Hub) BroadcastCritical(symbol string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal critical frame", "error", err)
		return
	}
	h.broadcast <- envelope{symbol: symbol, critical: true, data: data}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient registers a connection with its symbol subscription set and
// starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn, symbols []string) *Client {
	subs := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		subs[s] = true
	}
	client := &Client{
		hub:      hub,
		conn:     conn,
		symbols:  subs,
		critical: make(chan []byte, criticalBuffer),
		metrics:  make(chan []byte, hub.sendBuffer),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}

// writePump drains both lanes to the socket, critical lane first.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		// Critical frames jump the queue.
		select {
		case message, ok := <-c.critical:
			if !c.write(message, ok) {
				return
			}
			continue
		default:
		}

		select {
		case message, ok := <-c.critical:
			if !c.write(message, ok) {
				return
			}
		case message := <-c.metrics:
			if !c.write(message, true) {
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

func (c *Client) write(message []byte, ok bool) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if !ok {
		// Hub closed the channel.
		c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, message) == nil
}

// readPump consumes (and discards) client messages; the stream is
// server-push only. Its real job is detecting closes and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}
