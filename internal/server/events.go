// Package server defines the wire-level event vocabulary exchanged over the
// WebSocket transport: a closed set of inbound frame variants validated at
// the boundary, and constructors for every outbound frame.
package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// ErrParse marks a malformed or unknown inbound frame. The connection stays
// open; the client gets an error frame instead.
var ErrParse = errors.New("malformed frame")

// Inbound frame types.
const (
	evtUserJoin      = "user_join"
	evtTyping        = "typing"
	evtMessage       = "message"
	evtImage         = "image"
	evtAudio         = "audio"
	evtVideo         = "video"
	evtFile          = "file"
	evtMessageEdit   = "message_edit"
	evtMessageDelete = "message_delete"
	evtMessageRead   = "message_read"
)

// JoinEvent authenticates a connection, either with credentials or a
// remember token issued by /api/login.
type JoinEvent struct {
	Username string
	Password string
	Token    string
}

// TypingEvent toggles the sender's typing indicator, optionally scoped to a
// single recipient.
type TypingEvent struct {
	Typing      bool
	RecipientID string
}

// MessageEvent carries a new chat message of any kind. An empty RecipientID
// means broadcast.
type MessageEvent struct {
	Kind        store.MessageKind
	Content     string
	RecipientID string
}

// EditEvent rewrites the payload of one of the sender's messages.
type EditEvent struct {
	MessageID string
	Content   string
}

// DeleteEvent removes one of the sender's messages.
type DeleteEvent struct {
	MessageID string
}

// ReadEvent acknowledges a batch of messages as read by the sender of the
// frame.
type ReadEvent struct {
	MessageIDs []string
}

// InboundEvent is the tagged union of every frame a client may send. Exactly
// one variant pointer is non-nil after a successful parse.
type InboundEvent struct {
	Type   string
	Join   *JoinEvent
	Typing *TypingEvent
	Msg    *MessageEvent
	Edit   *EditEvent
	Delete *DeleteEvent
	Read   *ReadEvent
}

// rawInbound is the superset of fields any inbound frame may carry.
type rawInbound struct {
	Type        string   `json:"type"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Token       string   `json:"token"`
	Typing      bool     `json:"typing"`
	Content     string   `json:"content"`
	Text        string   `json:"text"` // legacy alias for content
	RecipientID string   `json:"recipientId"`
	MessageID   string   `json:"messageId"`
	MessageIDs  []string `json:"messageIds"`
}

// ParseInbound decodes and validates a client frame. Unknown types and
// missing required fields map to ErrParse.
func ParseInbound(data []byte) (InboundEvent, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	content := raw.Content
	if content == "" {
		content = raw.Text
	}

	evt := InboundEvent{Type: raw.Type}
	switch raw.Type {
	case evtUserJoin:
		if raw.Token == "" && (raw.Username == "" || raw.Password == "") {
			return InboundEvent{}, fmt.Errorf("%w: user_join requires credentials or a token", ErrParse)
		}
		evt.Join = &JoinEvent{Username: raw.Username, Password: raw.Password, Token: raw.Token}
	case evtTyping:
		evt.Typing = &TypingEvent{Typing: raw.Typing, RecipientID: raw.RecipientID}
	case evtMessage, evtImage, evtAudio, evtVideo, evtFile:
		if content == "" {
			return InboundEvent{}, fmt.Errorf("%w: %s requires content", ErrParse, raw.Type)
		}
		evt.Msg = &MessageEvent{
			Kind:        store.MessageKind(raw.Type),
			Content:     content,
			RecipientID: raw.RecipientID,
		}
		if raw.Type == evtMessage {
			evt.Msg.Kind = store.KindText
		}
	case evtMessageEdit:
		if raw.MessageID == "" || content == "" {
			return InboundEvent{}, fmt.Errorf("%w: message_edit requires messageId and content", ErrParse)
		}
		evt.Edit = &EditEvent{MessageID: raw.MessageID, Content: content}
	case evtMessageDelete:
		if raw.MessageID == "" {
			return InboundEvent{}, fmt.Errorf("%w: message_delete requires messageId", ErrParse)
		}
		evt.Delete = &DeleteEvent{MessageID: raw.MessageID}
	case evtMessageRead:
		if len(raw.MessageIDs) == 0 {
			return InboundEvent{}, fmt.Errorf("%w: message_read requires messageIds", ErrParse)
		}
		evt.Read = &ReadEvent{MessageIDs: raw.MessageIDs}
	default:
		return InboundEvent{}, fmt.Errorf("%w: unknown type %q", ErrParse, raw.Type)
	}
	return evt, nil
}

// Outbound frames. Each constructor returns a value ready for a single
// json.Marshal in the relay.

type chatHistoryFrame struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

// ChatHistoryFrame is sent once right after a successful join.
func ChatHistoryFrame(messages []store.Message) any {
	if messages == nil {
		messages = []store.Message{}
	}
	return chatHistoryFrame{Type: "chat_history", Messages: messages}
}

type presenceFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	User   string `json:"user"`
}

// UserJoinFrame announces a user coming online.
func UserJoinFrame(user store.PublicUser) any {
	return presenceFrame{Type: "user_join", UserID: user.ID, User: user.DisplayName}
}

// UserLeaveFrame announces a user going offline.
func UserLeaveFrame(user store.PublicUser) any {
	return presenceFrame{Type: "user_leave", UserID: user.ID, User: user.DisplayName}
}

type userCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// UserCountFrame carries the current online-user count.
func UserCountFrame(count int) any {
	return userCountFrame{Type: "user_count", Count: count}
}

type onlineUsersFrame struct {
	Type  string             `json:"type"`
	Users []store.PublicUser `json:"users"`
}

// OnlineUsersFrame carries the full presence index.
func OnlineUsersFrame(users []store.PublicUser) any {
	if users == nil {
		users = []store.PublicUser{}
	}
	return onlineUsersFrame{Type: "online_users", Users: users}
}

type typingFrame struct {
	Type        string `json:"type"`
	Typing      bool   `json:"typing"`
	UserID      string `json:"userId"`
	User        string `json:"user"`
	RecipientID string `json:"recipientId,omitempty"`
}

// TypingFrame relays a typing-indicator change.
func TypingFrame(typing bool, user store.PublicUser, recipientID string) any {
	return typingFrame{
		Type:        "typing",
		Typing:      typing,
		UserID:      user.ID,
		User:        user.DisplayName,
		RecipientID: recipientID,
	}
}

type messageFrame struct {
	Type   string `json:"type"`
	Sender string `json:"sender"`
	// Text duplicates the payload under the field name older clients read.
	Text string `json:"text"`
	store.Message
}

// MessageFrame relays a stored chat message; the frame type mirrors the
// message kind (message, image, audio, video, file).
func MessageFrame(msg store.Message, senderName string) any {
	frameType := string(msg.Kind)
	if msg.Kind == store.KindText {
		frameType = evtMessage
	}
	return messageFrame{Type: frameType, Sender: senderName, Text: msg.Payload, Message: msg}
}

type messageEditedFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// MessageEditedFrame relays an in-place edit.
func MessageEditedFrame(messageID, content string) any {
	return messageEditedFrame{Type: "message_edited", MessageID: messageID, Content: content}
}

type messageDeletedFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// MessageDeletedFrame relays a deletion.
func MessageDeletedFrame(messageID string) any {
	return messageDeletedFrame{Type: "message_deleted", MessageID: messageID}
}

type messagesReadFrame struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// MessagesReadFrame relays a batch read receipt.
func MessagesReadFrame(messageIDs []string, userID string) any {
	return messagesReadFrame{Type: "messages_read", MessageIDs: messageIDs, UserID: userID}
}

type errorFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ErrorFrame reports a recoverable per-connection failure to the client.
func ErrorFrame(text string) any {
	return errorFrame{Type: "error", Text: text}
}
