// Package server coordinates connection registration, presence tracking,
// event broadcast, and idle-connection cleanup for the chatrelay WebSocket
// system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// audienceKind selects which live connections receive a relayed event.
type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceAllExceptSender
	audienceRecipientOnly
)

// Audience is the predicate determining the recipients of a relayed event.
type Audience struct {
	kind        audienceKind
	sender      *Client
	recipientID string
}

// AudienceAll targets every joined connection.
func AudienceAll() Audience {
	return Audience{kind: audienceAll}
}

// AudienceAllExceptSender targets every joined connection except the
// originating one.
func AudienceAllExceptSender(sender *Client) Audience {
	return Audience{kind: audienceAllExceptSender, sender: sender}
}

// AudienceRecipientOnly targets every joined connection of a single user.
func AudienceRecipientOnly(userID string) Audience {
	return Audience{kind: audienceRecipientOnly, recipientID: userID}
}

func (a Audience) includes(c *Client) bool {
	if c.user == nil {
		return false
	}
	switch a.kind {
	case audienceAllExceptSender:
		return c != a.sender
	case audienceRecipientOnly:
		return c.user.ID == a.recipientID
	default:
		return true
	}
}

// envelope is a serialized event paired with its audience, queued for the
// hub's run loop.
type envelope struct {
	payload  []byte
	audience Audience
}

// Hub owns the connection registry and the presence index derived from it.
// Both are mutated together under one lock, so the presence index is always
// a strict function of the registry. The hub also runs the liveness sweeper
// that evicts idle connections.
type Hub struct {
	clients  map[*Client]bool
	presence map[string][]*Client // user id -> joined connections

	register   chan *Client
	unregister chan *Client
	relayCh    chan envelope

	mutex sync.RWMutex
	wg    sync.WaitGroup

	idleTimeout   time.Duration
	sweepInterval time.Duration
	// onSweep runs once per sweeper tick after idle eviction; the server
	// hooks remember-token pruning here.
	onSweep func(now time.Time)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub enforcing the given idle timeout on the given sweep
// period. onSweep may be nil.
func NewHub(idleTimeout, sweepInterval time.Duration, onSweep func(now time.Time)) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:       make(map[*Client]bool),
		presence:      make(map[string][]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		relayCh:       make(chan envelope, 64),
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		onSweep:       onSweep,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Register queues a new connection for registration; the hub launches its
// pump goroutines.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister queues a connection for removal. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Relay serializes the event once and fans it out to every live connection
// the audience matches. Delivery is best-effort: a slow or closed recipient
// is dropped without affecting the others.
func (h *Hub) Relay(event any, audience Audience) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("relay marshal failed", "err", err)
		return
	}
	relayedEvents.Inc()
	select {
	case h.relayCh <- envelope{payload: payload, audience: audience}:
	case <-h.ctx.Done():
	}
}

// Join binds an authenticated user to a registered connection and updates
// the presence index. Returns false if the connection is no longer
// registered. When this is the user's first live connection, join presence
// frames are broadcast.
func (h *Hub) Join(client *Client, user *store.User) bool {
	h.mutex.Lock()
	if !h.clients[client] {
		h.mutex.Unlock()
		return false
	}
	client.user = user
	client.lastActivity = time.Now()
	conns := h.presence[user.ID]
	h.presence[user.ID] = append(conns, client)
	becameOnline := len(conns) == 0
	count := len(h.presence)
	online := h.onlineUsersLocked()
	h.mutex.Unlock()

	onlineUsers.Set(float64(count))
	if becameOnline {
		h.Relay(UserJoinFrame(user.Public()), AudienceAll())
	}
	h.Relay(UserCountFrame(count), AudienceAll())
	h.Relay(OnlineUsersFrame(online), AudienceAll())
	logger.Info("user joined", "user", user.Username, "addr", client.addr, "online", count)
	return true
}

// Touch records inbound activity on the connection, deferring the sweeper.
func (h *Hub) Touch(client *Client) {
	h.mutex.Lock()
	client.lastActivity = time.Now()
	h.mutex.Unlock()
}

// SetTyping relays the connection's typing indicator: to the recipient's
// connections for a 1:1 indicator, otherwise to everyone but the sender.
func (h *Hub) SetTyping(client *Client, typing bool, recipientID string) {
	h.mutex.RLock()
	if client.user == nil || !h.clients[client] {
		h.mutex.RUnlock()
		return
	}
	user := client.user.Public()
	h.mutex.RUnlock()

	audience := AudienceAllExceptSender(client)
	if recipientID != "" {
		audience = AudienceRecipientOnly(recipientID)
	}
	h.Relay(TypingFrame(typing, user, recipientID), audience)
}

// OnlineUsers returns the public profile of every user with at least one
// joined connection.
func (h *Hub) OnlineUsers() []store.PublicUser {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.onlineUsersLocked()
}

func (h *Hub) onlineUsersLocked() []store.PublicUser {
	users := make([]store.PublicUser, 0, len(h.presence))
	for _, conns := range h.presence {
		if len(conns) > 0 {
			users = append(users, conns[0].user.Public())
		}
	}
	return users
}

// OnlineCount reports how many distinct users are currently online.
func (h *Hub) OnlineCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.presence)
}

// IsOnline reports whether the user has at least one joined connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.presence[userID]) > 0
}

// CloseUser force-closes every connection belonging to the user. Used when
// an account is deleted. Deregistration and presence updates follow through
// the normal unregister path as each pump exits.
func (h *Hub) CloseUser(userID string) {
	h.mutex.RLock()
	conns := append([]*Client(nil), h.presence[userID]...)
	h.mutex.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// Run starts the hub's event loop: registration, deregistration, relay
// fan-out, and the liveness sweeper. It runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	sweeper := time.NewTicker(h.sweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logger.Warn("nil client registration skipped")
				continue
			}
			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			openConnections.Set(float64(clientCount))
			logger.Info("connection registered", "addr", client.addr, "connections", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClients([]*Client{client}, true)

		case env := <-h.relayCh:
			h.deliver(env)

		case now := <-sweeper.C:
			h.sweep(now)
		}
	}
}

// deliver fans a serialized event out to the audience. Failed recipients are
// removed, never retried.
func (h *Hub) deliver(env envelope) {
	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if env.audience.includes(client) {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, env.payload) {
			failed = append(failed, client)
		}
	}
	if len(failed) > 0 {
		h.removeClients(failed, true)
	}
}

// safeSend enqueues a payload on the client's send channel without blocking
// the hub. A full buffer or an unregistered client counts as failure.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("recovered from panic in safeSend", "panic", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.clients[client] || client.closed {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// removeClients drops connections from the registry and the presence index
// in one locked pass. Already-removed clients are skipped, which makes leave
// idempotent. When broadcastPresence is set, users whose last connection
// went away are announced.
func (h *Hub) removeClients(clients []*Client, broadcastPresence bool) {
	h.mutex.Lock()
	var wentOffline []store.PublicUser
	var channelsToClose []chan []byte
	changed := false
	for _, client := range clients {
		if !h.clients[client] {
			continue
		}
		delete(h.clients, client)
		client.closed = true
		channelsToClose = append(channelsToClose, client.send)
		changed = true

		if client.user == nil {
			continue
		}
		uid := client.user.ID
		conns := h.presence[uid]
		for i, c := range conns {
			if c == client {
				conns = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(h.presence, uid)
			wentOffline = append(wentOffline, client.user.Public())
		} else {
			h.presence[uid] = conns
		}
	}
	clientCount := len(h.clients)
	onlineCount := len(h.presence)
	online := h.onlineUsersLocked()
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	if !changed {
		return
	}
	openConnections.Set(float64(clientCount))
	onlineUsers.Set(float64(onlineCount))
	logger.Info("connections removed", "removed", len(channelsToClose), "connections", clientCount)

	if !broadcastPresence || len(wentOffline) == 0 {
		return
	}
	for _, u := range wentOffline {
		h.deliver(envelope{payload: mustMarshal(UserLeaveFrame(u)), audience: AudienceAll()})
	}
	h.deliver(envelope{payload: mustMarshal(UserCountFrame(onlineCount)), audience: AudienceAll()})
	h.deliver(envelope{payload: mustMarshal(OnlineUsersFrame(online)), audience: AudienceAll()})
}

// sweep force-closes connections idle past the timeout, then re-broadcasts
// presence once for the whole batch.
func (h *Hub) sweep(now time.Time) {
	h.mutex.RLock()
	var idle []*Client
	for client := range h.clients {
		if now.Sub(client.lastActivity) > h.idleTimeout {
			idle = append(idle, client)
		}
	}
	h.mutex.RUnlock()

	if len(idle) > 0 {
		logger.Info("sweeping idle connections", "count", len(idle))
		for _, client := range idle {
			client.close()
		}
		h.removeClients(idle, true)
		sweptConnections.Add(float64(len(idle)))
	}

	if h.onSweep != nil {
		h.onSweep(now)
	}
}

func mustMarshal(event any) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("presence frame marshal failed", "err", err)
		return []byte(`{"type":"error","text":"internal error"}`)
	}
	return payload
}

// shutdownClients closes every active connection during hub shutdown.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.close()
	}
	logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the run loop, closes all connections, and waits for the
// pump goroutines to finish or the timeout to expire.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("hub shutdown initiated")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		logger.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
