package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// TestParseInboundJoin verifies both authentication shapes of the user_join
// frame and that missing credentials are rejected.
func TestParseInboundJoin(t *testing.T) {
	evt, err := ParseInbound([]byte(`{"type":"user_join","username":"alice","password":"secret123"}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Join)
	require.Equal(t, "alice", evt.Join.Username)
	require.Equal(t, "secret123", evt.Join.Password)

	evt, err = ParseInbound([]byte(`{"type":"user_join","token":"tok-1"}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Join)
	require.Equal(t, "tok-1", evt.Join.Token)

	_, err = ParseInbound([]byte(`{"type":"user_join","username":"alice"}`))
	require.ErrorIs(t, err, ErrParse)
}

// TestParseInboundMessageKinds verifies that each media frame type maps to
// its message kind and that the plain message frame maps to text.
func TestParseInboundMessageKinds(t *testing.T) {
	cases := map[string]store.MessageKind{
		"message": store.KindText,
		"image":   store.KindImage,
		"audio":   store.KindAudio,
		"video":   store.KindVideo,
		"file":    store.KindFile,
	}
	for frameType, wantKind := range cases {
		evt, err := ParseInbound([]byte(`{"type":"` + frameType + `","content":"payload","recipientId":"u2"}`))
		require.NoError(t, err, frameType)
		require.NotNil(t, evt.Msg, frameType)
		require.Equal(t, wantKind, evt.Msg.Kind, frameType)
		require.Equal(t, "payload", evt.Msg.Content, frameType)
		require.Equal(t, "u2", evt.Msg.RecipientID, frameType)
	}

	_, err := ParseInbound([]byte(`{"type":"message"}`))
	require.ErrorIs(t, err, ErrParse)
}

// TestParseInboundLegacyTextField verifies the legacy "text" alias for
// message content still parses.
func TestParseInboundLegacyTextField(t *testing.T) {
	evt, err := ParseInbound([]byte(`{"type":"message","text":"old client"}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Msg)
	require.Equal(t, "old client", evt.Msg.Content)
}

// TestParseInboundLifecycleFrames verifies edit, delete, and read frames
// including their required-field validation.
func TestParseInboundLifecycleFrames(t *testing.T) {
	evt, err := ParseInbound([]byte(`{"type":"message_edit","messageId":"m1","content":"fixed"}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Edit)
	require.Equal(t, "m1", evt.Edit.MessageID)
	require.Equal(t, "fixed", evt.Edit.Content)

	_, err = ParseInbound([]byte(`{"type":"message_edit","messageId":"m1"}`))
	require.ErrorIs(t, err, ErrParse)

	evt, err = ParseInbound([]byte(`{"type":"message_delete","messageId":"m1"}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Delete)

	_, err = ParseInbound([]byte(`{"type":"message_delete"}`))
	require.ErrorIs(t, err, ErrParse)

	evt, err = ParseInbound([]byte(`{"type":"message_read","messageIds":["m1","m2"]}`))
	require.NoError(t, err)
	require.NotNil(t, evt.Read)
	require.Equal(t, []string{"m1", "m2"}, evt.Read.MessageIDs)

	_, err = ParseInbound([]byte(`{"type":"message_read","messageIds":[]}`))
	require.ErrorIs(t, err, ErrParse)
}

// TestParseInboundRejectsGarbage verifies unknown types and malformed JSON
// both map to ErrParse so the caller can answer with one error frame.
func TestParseInboundRejectsGarbage(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"shrug"}`))
	require.ErrorIs(t, err, ErrParse)

	_, err = ParseInbound([]byte(`not json at all`))
	require.ErrorIs(t, err, ErrParse)

	_, err = ParseInbound([]byte(`{}`))
	require.ErrorIs(t, err, ErrParse)
}

// TestMessageFrameTypeMirrorsKind verifies that the outbound frame type for a
// stored message matches its kind, with text mapping back to "message".
func TestMessageFrameTypeMirrorsKind(t *testing.T) {
	decode := func(v any) map[string]any {
		t.Helper()
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	text := decode(MessageFrame(store.Message{ID: "m1", Kind: store.KindText, Payload: "hi"}, "Alice"))
	require.Equal(t, "message", text["type"])
	require.Equal(t, "Alice", text["sender"])
	require.Equal(t, "m1", text["messageId"])
	// Legacy clients read the payload from "text".
	require.Equal(t, "hi", text["text"])
	require.Equal(t, "hi", text["payload"])

	image := decode(MessageFrame(store.Message{ID: "m2", Kind: store.KindImage, Payload: "data:..."}, "Alice"))
	require.Equal(t, "image", image["type"])
}

// TestOutboundFramesNeverEncodeNullLists verifies history and presence frames
// marshal empty slices instead of null.
func TestOutboundFramesNeverEncodeNullLists(t *testing.T) {
	data, err := json.Marshal(ChatHistoryFrame(nil))
	require.NoError(t, err)
	require.Contains(t, string(data), `"messages":[]`)

	data, err = json.Marshal(OnlineUsersFrame(nil))
	require.NoError(t, err)
	require.Contains(t, string(data), `"users":[]`)
}
