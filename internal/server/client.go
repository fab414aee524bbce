// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Client represents one WebSocket connection. A connection starts
// unauthenticated (user == nil), becomes joined after a successful user_join
// frame, and is closed on error, timeout, or transport close. There is no
// way back from closed.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	server *Server
	addr   string

	// Registry state, guarded by the hub's mutex.
	closed       bool
	user         *store.User
	lastActivity time.Time

	limiter   *rate.Limiter
	closeOnce sync.Once

	maxMessageSize int64
	pongWait       time.Duration
	writeWait      time.Duration
	pingPeriod     time.Duration
}

// NewClient wraps a fresh WebSocket connection. The send channel is buffered
// so a briefly slow reader does not stall the hub.
func NewClient(conn *websocket.Conn, srv *Server, addr string) *Client {
	cfg := srv.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limit := rate.Every(cfg.RateLimit.RefillInterval / time.Duration(cfg.RateLimit.Burst))

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            srv.hub,
		server:         srv,
		addr:           addr,
		lastActivity:   time.Now(),
		limiter:        rate.NewLimiter(limit, cfg.RateLimit.Burst),
		maxMessageSize: cfg.MaxMessageSize,
		pongWait:       cfg.PongWait,
		writeWait:      cfg.WriteWait,
		pingPeriod:     cfg.PingPeriod(),
	}
}

// User returns the joined user, or nil while the connection is
// unauthenticated.
func (c *Client) User() *store.User {
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	return c.user
}

// sendFrame marshals the event and queues it for this connection only.
func (c *Client) sendFrame(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("frame marshal failed", "addr", c.addr, "err", err)
		return
	}
	c.hub.safeSend(c, payload)
}

// close shuts the underlying transport. Safe to call repeatedly; the pump
// goroutines notice and deregister through the hub.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			logger.Warn("connection close failed", "addr", c.addr, "err", err)
		}
	})
}

// setupReadConnection configures the read deadline and the pong handler that
// keeps extending it while the peer answers pings.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		logger.Warn("set read deadline failed", "addr", c.addr, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			logger.Warn("set read deadline in pong handler failed", "addr", c.addr, "err", err)
		}
		return nil
	})
}

// handleReadError classifies a read failure and reports whether the read
// loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		logger.Warn("frame exceeded size limit", "addr", c.addr, "limit", c.maxMessageSize)
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		logger.Debug("client disconnected", "addr", c.addr, "err", err)
		return true
	}
	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		logger.Debug("connection closed", "addr", c.addr, "err", err)
		return true
	}
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		logger.Warn("unexpected websocket error", "addr", c.addr, "err", err)
		return true
	}
	logger.Warn("websocket read error", "addr", c.addr, "err", err)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
			continue
		}

		if !c.limiter.Allow() {
			logger.Warn("rate limit exceeded, frame discarded", "addr", c.addr)
			continue
		}

		c.server.handleFrame(c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				logger.Warn("set write deadline failed", "addr", c.addr, "err", err)
				return
			}
			if !ok {
				// Hub closed the channel; say goodbye.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					logger.Debug("close message write failed", "addr", c.addr, "err", err)
				}
				return
			}
			if !c.writeTextMessage(payload) {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
				logger.Warn("set write deadline for ping failed", "addr", c.addr, "err", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					logger.Debug("ping write failed", "addr", c.addr, "err", err)
				}
				return
			}
		}
	}
}

// writeTextMessage writes the payload and drains any frames queued behind
// it, each as its own text message so clients never have to split frames.
func (c *Client) writeTextMessage(payload []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			logger.Warn("frame write failed", "addr", c.addr, "err", err)
		}
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
			if !isExpectedCloseError(err) {
				logger.Warn("queued frame write failed", "addr", c.addr, "err", err)
			}
			return false
		}
	}
	return true
}
