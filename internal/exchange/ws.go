// ws.go implements the combined-stream WebSocket client for real-time
// Binance futures market data.
//
// One connection multiplexes every subscribed stream via the combined
// endpoint (wss://<host>/stream?streams=a/b/c). Frames arrive wrapped in
// a {stream, data} envelope and are forwarded untouched; the engine demuxes
// them per symbol.
//
// The client auto-reconnects with exponential backoff (1s → 30s max) and
// rebuilds the stream list from its subscription set on every dial, so a
// reconnect implicitly re-subscribes. A read deadline detects silent
// server failures; Binance pings the client, and answering pongs resets
// the deadline.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"perpflow/internal/metrics"
	"perpflow/pkg/types"
)

const (
	readTimeout      = 90 * time.Second // ~3 missed server pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	frameBufferSize  = 1024             // buffer before frames are dropped
)

// StreamsFor returns the stream names one symbol's pipeline consumes.
func StreamsFor(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{
		s + "@depth@100ms",
		s + "@aggTrade",
		s + "@markPrice@1s",
		s + "@kline_1m",
	}
}

// StreamClient manages the single combined-stream connection. It handles
// connection lifecycle, subscription tracking, and automatic reconnection
// with exponential backoff.
type StreamClient struct {
	host   string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions so every reconnect resubscribes automatically.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	frames  chan types.CombinedFrame
	subID   atomic.Int64 // id counter for live SUBSCRIBE requests
	dropped atomic.Int64

	logger *slog.Logger
}

// NewStreamClient creates a client for the given stream host
// (normally fstream.binance.com).
func NewStreamClient(streamHost string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		host:       streamHost,
		subscribed: make(map[string]bool),
		frames:     make(chan types.CombinedFrame, frameBufferSize),
		logger:     logger.With("component", "ws_upstream"),
	}
}

// Frames returns the read-only channel of combined-stream envelopes.
func (c *StreamClient) Frames() <-chan types.CombinedFrame { return c.frames }

// Dropped reports how many frames were discarded on a full buffer.
func (c *StreamClient) Dropped() int64 { return c.dropped.Load() }

// Subscribe adds streams to the tracked set. When a connection is live the
// request is also sent on the wire; otherwise the next dial picks it up.
func (c *StreamClient) Subscribe(streams []string) error {
	c.subscribedMu.Lock()
	for _, s := range streams {
		c.subscribed[s] = true
	}
	c.subscribedMu.Unlock()

	return c.writeControl("SUBSCRIBE", streams)
}

// Unsubscribe removes streams from the tracked set.
func (c *StreamClient) Unsubscribe(streams []string) error {
	c.subscribedMu.Lock()
	for _, s := range streams {
		delete(c.subscribed, s)
	}
	c.subscribedMu.Unlock()

	return c.writeControl("UNSUBSCRIBE", streams)
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (c *StreamClient) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		metrics.StreamReconnects.Inc()
		c.logger.Warn("upstream websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (c *StreamClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *StreamClient) connectAndRead(ctx context.Context) error {
	url := c.buildURL()
	if url == "" {
		// Nothing subscribed yet; wait for Subscribe before dialing.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return fmt.Errorf("no streams subscribed")
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	// Answering the server's pings resets the read deadline.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	c.logger.Info("upstream websocket connected", "streams", c.streamCount())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.dispatch(msg)
	}
}

func (c *StreamClient) dispatch(data []byte) {
	var frame types.CombinedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("ignoring non-envelope ws message", "data", string(data))
		return
	}
	if frame.Stream == "" {
		// SUBSCRIBE acks and error payloads have no stream field.
		c.logger.Debug("control response", "data", string(data))
		return
	}

	select {
	case c.frames <- frame:
	default:
		c.dropped.Add(1)
		c.logger.Warn("frame buffer full, dropping", "stream", frame.Stream)
	}
}

// buildURL renders the combined-stream URL from the subscription set.
// Sorted so reconnect URLs are stable in logs.
func (c *StreamClient) buildURL() string {
	c.subscribedMu.RLock()
	streams := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		streams = append(streams, s)
	}
	c.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return ""
	}
	sort.Strings(streams)
	return "wss://" + c.host + "/stream?streams=" + strings.Join(streams, "/")
}

func (c *StreamClient) streamCount() int {
	c.subscribedMu.RLock()
	defer c.subscribedMu.RUnlock()
	return len(c.subscribed)
}

// writeControl sends a live SUBSCRIBE/UNSUBSCRIBE request. A nil conn is
// not an error: the tracked set is applied on the next dial.
func (c *StreamClient) writeControl(method string, streams []string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || len(streams) == 0 {
		return nil
	}

	msg := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: method, Params: streams, ID: c.subID.Add(1)}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}
