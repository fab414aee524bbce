package store

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMessageNotFound is returned when a message id does not exist in the
	// log (or the sender filter excludes it for edits).
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotSender is returned when a requester tries to delete a message
	// they did not send.
	ErrNotSender = errors.New("requester is not the message sender")
)

// DefaultMessageCap bounds the log to the N most recent messages; the oldest
// entries are evicted once the cap is exceeded.
const DefaultMessageCap = 1000

// MessageKind discriminates the payload of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindAudio MessageKind = "audio"
	KindVideo MessageKind = "video"
	KindFile  MessageKind = "file"
)

// ValidKind reports whether k is a known message kind.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindText, KindImage, KindAudio, KindVideo, KindFile:
		return true
	}
	return false
}

// Message is a chat log entry. RecipientID is empty for broadcast messages.
// ReadBy always contains the sender's id.
type Message struct {
	ID          string      `json:"messageId"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId,omitempty"`
	Kind        MessageKind `json:"kind"`
	Payload     string      `json:"payload"`
	SentAt      time.Time   `json:"sentAt"`
	ReadBy      []string    `json:"readBy"`
	Edited      bool        `json:"edited,omitempty"`
}

// readBy performs a set-semantics membership test on the ReadBy slice.
func (m *Message) readBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// HistoryFilter narrows a History scan. The zero value selects every message.
// SenderID/RecipientID select the conversation between that pair in both
// directions plus, when only RecipientID is set with WithUser, direct
// messages between the two users.
type HistoryFilter struct {
	// WithUser limits the scan to messages visible in the 1:1 conversation
	// between ViewerID and WithUser (either direction). Empty selects the
	// broadcast log plus everything when ViewerID is also empty.
	ViewerID string
	WithUser string
	Offset   int
	Limit    int
}

// MessageLog is the flat-file-backed bounded list of chat messages, ordered
// by SentAt ascending. Mutations persist the whole log synchronously with an
// optimistic policy: on a failed save the in-memory log keeps the mutation,
// the error is reported, and the next successful save repairs the file.
type MessageLog struct {
	mu      sync.RWMutex
	storage Storage
	msgs    []Message
	cap     int
}

// NewMessageLog loads the log from storage. A cap <= 0 selects
// DefaultMessageCap. If the loaded log exceeds the cap the oldest entries are
// evicted immediately.
func NewMessageLog(storage Storage, capacity int) (*MessageLog, error) {
	if capacity <= 0 {
		capacity = DefaultMessageCap
	}
	ml := &MessageLog{storage: storage, cap: capacity}

	var msgs []Message
	if err := storage.Load(&msgs); err != nil {
		return nil, fmt.Errorf("load message log: %w", err)
	}
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
	if len(msgs) > capacity {
		msgs = msgs[len(msgs)-capacity:]
	}
	ml.msgs = msgs
	return ml, nil
}

// persistLocked rewrites the backing document. Callers hold mu.
func (ml *MessageLog) persistLocked() error {
	return ml.storage.Save(ml.msgs)
}

// Append adds a message to the log, assigning ID and SentAt if absent and
// seeding ReadBy with the sender. Oldest entries are evicted past the cap.
// The returned message is the stored copy; a non-nil error means the disk
// write failed while the in-memory log already reflects the append.
func (ml *MessageLog) Append(msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if !msg.readBy(msg.SenderID) {
		msg.ReadBy = append(msg.ReadBy, msg.SenderID)
	}

	ml.mu.Lock()
	defer ml.mu.Unlock()

	ml.msgs = append(ml.msgs, msg)
	if len(ml.msgs) > ml.cap {
		ml.msgs = slices.Clone(ml.msgs[len(ml.msgs)-ml.cap:])
	}
	return msg, ml.persistLocked()
}

// Edit replaces the payload of a message sent by editorID and marks it
// edited. Returns ErrMessageNotFound if no message matches both the id and
// the sender.
func (ml *MessageLog) Edit(messageID, editorID, newPayload string) (Message, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for i := range ml.msgs {
		if ml.msgs[i].ID != messageID {
			continue
		}
		if ml.msgs[i].SenderID != editorID {
			return Message{}, ErrMessageNotFound
		}
		ml.msgs[i].Payload = newPayload
		ml.msgs[i].Edited = true
		return ml.msgs[i], ml.persistLocked()
	}
	return Message{}, ErrMessageNotFound
}

// Delete removes a message. Only the original sender may delete it.
func (ml *MessageLog) Delete(messageID, requesterID string) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for i := range ml.msgs {
		if ml.msgs[i].ID != messageID {
			continue
		}
		if ml.msgs[i].SenderID != requesterID {
			return ErrNotSender
		}
		ml.msgs = slices.Delete(ml.msgs, i, i+1)
		return ml.persistLocked()
	}
	return ErrMessageNotFound
}

// MarkRead adds readerID to the ReadBy set of each listed message that is
// addressed to the reader (direct recipient or broadcast). Idempotent: ids
// already read, unknown ids, and messages not addressed to the reader are
// skipped. Returns the ids actually updated.
func (ml *MessageLog) MarkRead(messageIDs []string, readerID string) ([]string, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var updated []string
	for i := range ml.msgs {
		m := &ml.msgs[i]
		if !slices.Contains(messageIDs, m.ID) {
			continue
		}
		if m.RecipientID != "" && m.RecipientID != readerID {
			continue
		}
		if m.readBy(readerID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, readerID)
		updated = append(updated, m.ID)
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return updated, ml.persistLocked()
}

// Get returns a copy of the message with the given id.
func (ml *MessageLog) Get(messageID string) (Message, error) {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	for i := range ml.msgs {
		if ml.msgs[i].ID == messageID {
			return ml.msgs[i], nil
		}
	}
	return Message{}, ErrMessageNotFound
}

// Len reports the number of messages currently in the log.
func (ml *MessageLog) Len() int {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return len(ml.msgs)
}

// matches reports whether m is visible under the filter's conversation
// selection.
func (f HistoryFilter) matches(m *Message) bool {
	if f.WithUser == "" {
		if f.ViewerID == "" {
			return true
		}
		// Viewer's visible history: broadcasts plus their own conversations.
		return m.RecipientID == "" || m.SenderID == f.ViewerID || m.RecipientID == f.ViewerID
	}
	return (m.SenderID == f.ViewerID && m.RecipientID == f.WithUser) ||
		(m.SenderID == f.WithUser && m.RecipientID == f.ViewerID)
}

// History returns a lazy sequence of messages ordered by SentAt ascending,
// narrowed by the filter and paginated by Offset/Limit (Limit <= 0 means no
// limit). The sequence iterates over a snapshot, so it is safe to mutate the
// log while consuming it.
func (ml *MessageLog) History(filter HistoryFilter) iter.Seq[Message] {
	ml.mu.RLock()
	snapshot := slices.Clone(ml.msgs)
	ml.mu.RUnlock()

	return func(yield func(Message) bool) {
		skipped, emitted := 0, 0
		for _, m := range snapshot {
			if !filter.matches(&m) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			if filter.Limit > 0 && emitted >= filter.Limit {
				return
			}
			if !yield(m) {
				return
			}
			emitted++
		}
	}
}

// HistorySlice materializes History into a slice, which is what the history
// replay frame and the HTTP chat-history endpoint need.
func (ml *MessageLog) HistorySlice(filter HistoryFilter) []Message {
	msgs := make([]Message, 0)
	for m := range ml.History(filter) {
		msgs = append(msgs, m)
	}
	return msgs
}
