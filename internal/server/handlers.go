// Package server exposes the WebSocket upgrade handler and the inbound
// frame dispatch that drives the relay.
package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

// WebSocketHandler upgrades the request and registers the connection with
// the hub, which launches the read/write pumps. The connection stays
// unauthenticated until the client sends a valid user_join frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, s, r.RemoteAddr)
	s.hub.Register(client)
}

// handleFrame parses one inbound frame and applies it. Every accepted frame
// counts as activity for the liveness sweeper. Parse and authorization
// failures answer with an error frame and leave the connection open.
func (s *Server) handleFrame(c *Client, raw []byte) {
	evt, err := ParseInbound(raw)
	if err != nil {
		parseErrors.Inc()
		logger.Warn("inbound frame rejected", "addr", c.addr, "err", err)
		c.sendFrame(ErrorFrame(err.Error()))
		return
	}

	s.hub.Touch(c)

	if evt.Join != nil {
		s.handleJoin(c, evt.Join)
		return
	}

	// Every other frame requires a joined connection.
	user := c.User()
	if user == nil {
		c.sendFrame(ErrorFrame("unauthenticated: join first"))
		return
	}

	switch {
	case evt.Typing != nil:
		s.hub.SetTyping(c, evt.Typing.Typing, evt.Typing.RecipientID)
	case evt.Msg != nil:
		s.handleMessage(c, user, evt.Msg)
	case evt.Edit != nil:
		s.handleEdit(c, user, evt.Edit)
	case evt.Delete != nil:
		s.handleDelete(c, user, evt.Delete)
	case evt.Read != nil:
		s.handleRead(c, user, evt.Read)
	}
}

// handleJoin resolves the credentials or token against the user store,
// binds the connection, and replays the visible chat history to it.
func (s *Server) handleJoin(c *Client, join *JoinEvent) {
	if c.User() != nil {
		c.sendFrame(ErrorFrame("already joined"))
		return
	}

	var (
		user *store.User
		err  error
	)
	if join.Token != "" {
		user, err = s.users.ResolveToken(join.Token)
	} else {
		user, err = s.users.Authenticate(join.Username, join.Password)
	}
	if err != nil {
		logger.Warn("join rejected", "addr", c.addr, "err", err)
		c.sendFrame(ErrorFrame("invalid user"))
		return
	}

	if !s.hub.Join(c, user) {
		return
	}

	history := s.messages.HistorySlice(store.HistoryFilter{ViewerID: user.ID})
	c.sendFrame(ChatHistoryFrame(history))
}

// handleMessage appends the message to the log and relays it. Direct
// messages go to the recipient's connections and echo back to the sender's;
// broadcasts go to everyone.
func (s *Server) handleMessage(c *Client, user *store.User, msg *MessageEvent) {
	if msg.RecipientID != "" {
		if _, err := s.users.Get(msg.RecipientID); err != nil {
			c.sendFrame(ErrorFrame("unknown recipient"))
			return
		}
	}

	stored, err := s.messages.Append(store.Message{
		SenderID:    user.ID,
		RecipientID: msg.RecipientID,
		Kind:        msg.Kind,
		Payload:     msg.Content,
	})
	if err != nil {
		persistenceErrors.Inc()
		logger.Error("message append persist failed", "messageId", stored.ID, "err", err)
	}

	frame := MessageFrame(stored, user.DisplayName)
	if stored.RecipientID == "" {
		s.hub.Relay(frame, AudienceAll())
		return
	}
	s.hub.Relay(frame, AudienceRecipientOnly(stored.RecipientID))
	if stored.RecipientID != user.ID {
		// Echo so every one of the sender's connections shows the message.
		s.hub.Relay(frame, AudienceRecipientOnly(user.ID))
	}
}

// audienceFor returns the audience that should see updates to a stored
// message: conversation participants for a DM, everyone for a broadcast.
func (s *Server) relayMessageUpdate(frame any, msg store.Message) {
	if msg.RecipientID == "" {
		s.hub.Relay(frame, AudienceAll())
		return
	}
	s.hub.Relay(frame, AudienceRecipientOnly(msg.RecipientID))
	if msg.RecipientID != msg.SenderID {
		s.hub.Relay(frame, AudienceRecipientOnly(msg.SenderID))
	}
}

func (s *Server) handleEdit(c *Client, user *store.User, edit *EditEvent) {
	updated, err := s.messages.Edit(edit.MessageID, user.ID, edit.Content)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			c.sendFrame(ErrorFrame("message not found"))
			return
		}
		persistenceErrors.Inc()
		logger.Error("message edit persist failed", "messageId", edit.MessageID, "err", err)
	}
	s.relayMessageUpdate(MessageEditedFrame(updated.ID, updated.Payload), updated)
}

func (s *Server) handleDelete(c *Client, user *store.User, del *DeleteEvent) {
	msg, err := s.messages.Get(del.MessageID)
	if err != nil {
		c.sendFrame(ErrorFrame("message not found"))
		return
	}
	if err := s.messages.Delete(del.MessageID, user.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotSender):
			c.sendFrame(ErrorFrame("not your message"))
			return
		case errors.Is(err, store.ErrMessageNotFound):
			c.sendFrame(ErrorFrame("message not found"))
			return
		default:
			persistenceErrors.Inc()
			logger.Error("message delete persist failed", "messageId", del.MessageID, "err", err)
		}
	}
	s.relayMessageUpdate(MessageDeletedFrame(del.MessageID), msg)
}

func (s *Server) handleRead(c *Client, user *store.User, read *ReadEvent) {
	updated, err := s.messages.MarkRead(read.MessageIDs, user.ID)
	if err != nil {
		persistenceErrors.Inc()
		logger.Error("read receipt persist failed", "err", err)
	}
	if len(updated) == 0 {
		return
	}
	s.hub.Relay(MessagesReadFrame(updated, user.ID), AudienceAll())
}
