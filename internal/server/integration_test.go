package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/store"
)

const testOrigin = "http://chat.example.com"

// testConfig returns a config suitable for end-to-end tests: any origin, a
// rate limit that never bites, and the default liveness timings.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	cfg.RateLimit = RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	return cfg
}

// startRelay boots the hub and the HTTP surface on the given stores and
// returns the ws:// endpoint URL.
func startRelay(t *testing.T, cfg *Config, users *store.UserStore, messages *store.MessageLog) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg, users, messages)
	srv.StartHub()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.hub.Shutdown(2 * time.Second)
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func startMemoryRelay(t *testing.T, cfg *Config) (*Server, string) {
	t.Helper()
	users, err := store.NewUserStore(store.NewMemStorage())
	require.NoError(t, err)
	messages, err := store.NewMessageLog(store.NewMemStorage(), cfg.HistoryCap)
	require.NoError(t, err)
	return startRelay(t, cfg, users, messages)
}

func dialRelay(t *testing.T, wsURL, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// readFrameOfType reads frames until one of the wanted type arrives. Presence
// frames interleave freely with everything else, so tests must never assume
// the next frame is the interesting one.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q frame", frameType)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func joinAs(t *testing.T, conn *websocket.Conn, username, password string) map[string]any {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "user_join", "username": username, "password": password})
	return readFrameOfType(t, conn, "chat_history")
}

// TestBroadcastRelayEndToEnd walks the primary flow: two users join, history
// is replayed on join, a broadcast reaches everyone, and the message log
// lands on disk.
func TestBroadcastRelayEndToEnd(t *testing.T) {
	cfg := testConfig()
	dataDir := t.TempDir()
	cfg.DataDir = dataDir

	users, err := store.NewUserStore(store.NewMemStorage())
	require.NoError(t, err)
	fileStore, err := store.NewFileStorage(cfg.MessagesFile())
	require.NoError(t, err)
	messages, err := store.NewMessageLog(fileStore, cfg.HistoryCap)
	require.NoError(t, err)

	_, err = users.Register("alice", "password123", "")
	require.NoError(t, err)
	bob, err := users.Register("bob", "password123", "Bobby")
	require.NoError(t, err)

	_, wsURL := startRelay(t, cfg, users, messages)

	alice := dialRelay(t, wsURL, testOrigin)
	history := joinAs(t, alice, "alice", "password123")
	require.Empty(t, history["messages"])

	bobConn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, bobConn, "bob", "password123")

	// Alice hears her own join announcement first; keep reading until Bob's.
	var joined map[string]any
	for {
		joined = readFrameOfType(t, alice, "user_join")
		if joined["userId"] == bob.ID {
			break
		}
	}
	require.Equal(t, "Bobby", joined["user"])

	online := readFrameOfType(t, alice, "online_users")
	require.Len(t, online["users"], 2)

	writeFrame(t, alice, map[string]any{"type": "message", "content": "hello everyone"})

	got := readFrameOfType(t, bobConn, "message")
	require.Equal(t, "hello everyone", got["payload"])
	require.Equal(t, "hello everyone", got["text"])
	require.Equal(t, "alice", got["sender"])
	require.NotEmpty(t, got["messageId"])

	echo := readFrameOfType(t, alice, "message")
	require.Equal(t, got["messageId"], echo["messageId"])

	// A late joiner gets the message replayed.
	late := dialRelay(t, wsURL, testOrigin)
	_, err = users.Register("carol", "password123", "")
	require.NoError(t, err)
	replay := joinAs(t, late, "carol", "password123")
	msgs, ok := replay["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)

	// And the log survives on disk.
	data, err := os.ReadFile(filepath.Join(dataDir, "messages.json"))
	require.NoError(t, err)
	var onDisk []store.Message
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	require.Equal(t, "hello everyone", onDisk[0].Payload)
}

// TestDirectMessageDelivery verifies that a direct message reaches only the
// recipient and the sender's echo, never third parties.
func TestDirectMessageDelivery(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	alice := registerUser(t, srv, "alice")
	registerUser(t, srv, "bob")
	registerUser(t, srv, "carol")

	aliceConn := dialRelay(t, wsURL, testOrigin)
	bobConn := dialRelay(t, wsURL, testOrigin)
	carolConn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, aliceConn, "alice", "password123")
	joinAs(t, bobConn, "bob", "password123")
	joinAs(t, carolConn, "carol", "password123")

	writeFrame(t, bobConn, map[string]any{
		"type": "message", "content": "psst", "recipientId": alice.ID,
	})

	got := readFrameOfType(t, aliceConn, "message")
	require.Equal(t, "psst", got["payload"])
	require.Equal(t, alice.ID, got["recipientId"])

	echo := readFrameOfType(t, bobConn, "message")
	require.Equal(t, got["messageId"], echo["messageId"])

	// Carol sees the follow-up broadcast as her first message frame, so the
	// direct message never reached her.
	writeFrame(t, bobConn, map[string]any{"type": "message", "content": "public"})
	carolGot := readFrameOfType(t, carolConn, "message")
	require.Equal(t, "public", carolGot["payload"])

	// Unknown recipients are rejected per connection.
	writeFrame(t, bobConn, map[string]any{
		"type": "message", "content": "void", "recipientId": "no-such-user",
	})
	errFrame := readFrameOfType(t, bobConn, "error")
	require.Equal(t, "unknown recipient", errFrame["text"])
}

// TestMessageLifecycle verifies edit, read receipt, and delete frames round
// trip through the relay.
func TestMessageLifecycle(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")

	aliceConn := dialRelay(t, wsURL, testOrigin)
	bobConn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, aliceConn, "alice", "password123")
	joinAs(t, bobConn, "bob", "password123")

	writeFrame(t, aliceConn, map[string]any{"type": "message", "content": "tpyo"})
	msgID := readFrameOfType(t, bobConn, "message")["messageId"].(string)

	writeFrame(t, bobConn, map[string]any{"type": "message_read", "messageIds": []string{msgID}})
	receipt := readFrameOfType(t, aliceConn, "messages_read")
	require.Equal(t, bob.ID, receipt["userId"])
	require.Equal(t, []any{msgID}, receipt["messageIds"])

	writeFrame(t, aliceConn, map[string]any{"type": "message_edit", "messageId": msgID, "content": "typo"})
	edited := readFrameOfType(t, bobConn, "message_edited")
	require.Equal(t, "typo", edited["content"])

	// Only the sender may delete.
	writeFrame(t, bobConn, map[string]any{"type": "message_delete", "messageId": msgID})
	errFrame := readFrameOfType(t, bobConn, "error")
	require.Equal(t, "not your message", errFrame["text"])

	writeFrame(t, aliceConn, map[string]any{"type": "message_delete", "messageId": msgID})
	deleted := readFrameOfType(t, bobConn, "message_deleted")
	require.Equal(t, msgID, deleted["messageId"])
	require.Equal(t, 0, srv.messages.Len())
}

// TestTypingIndicator verifies typing frames reach the other side with the
// sender's identity attached.
func TestTypingIndicator(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	alice := registerUser(t, srv, "alice")
	registerUser(t, srv, "bob")

	aliceConn := dialRelay(t, wsURL, testOrigin)
	bobConn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, aliceConn, "alice", "password123")
	joinAs(t, bobConn, "bob", "password123")

	writeFrame(t, aliceConn, map[string]any{"type": "typing", "typing": true})
	frame := readFrameOfType(t, bobConn, "typing")
	require.Equal(t, true, frame["typing"])
	require.Equal(t, alice.ID, frame["userId"])
}

// TestUnauthenticatedFramesRejected verifies that frames before user_join are
// answered with an error frame while the connection stays usable.
func TestUnauthenticatedFramesRejected(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	registerUser(t, srv, "alice")

	conn := dialRelay(t, wsURL, testOrigin)

	writeFrame(t, conn, map[string]any{"type": "message", "content": "who am I"})
	errFrame := readFrameOfType(t, conn, "error")
	require.Equal(t, "unauthenticated: join first", errFrame["text"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	readFrameOfType(t, conn, "error")

	// The same connection can still join afterwards.
	joinAs(t, conn, "alice", "password123")
}

// TestJoinAuthentication verifies credential and token joins, and that bad
// credentials leave the connection unauthenticated.
func TestJoinAuthentication(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	alice := registerUser(t, srv, "alice")

	conn := dialRelay(t, wsURL, testOrigin)
	writeFrame(t, conn, map[string]any{"type": "user_join", "username": "alice", "password": "wrong"})
	errFrame := readFrameOfType(t, conn, "error")
	require.Equal(t, "invalid user", errFrame["text"])

	tok, err := srv.users.IssueToken(alice.ID, time.Hour)
	require.NoError(t, err)
	writeFrame(t, conn, map[string]any{"type": "user_join", "token": tok.Token})
	readFrameOfType(t, conn, "chat_history")

	// Joining twice on one connection is an error.
	writeFrame(t, conn, map[string]any{"type": "user_join", "token": tok.Token})
	errFrame = readFrameOfType(t, conn, "error")
	require.Equal(t, "already joined", errFrame["text"])
}

// TestOriginEnforcement verifies the upgrade handshake rejects disallowed and
// absent origins.
func TestOriginEnforcement(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	_, wsURL := startMemoryRelay(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example.com"}})
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	dialRelay(t, wsURL, testOrigin)
}

// TestSweeperClosesIdleConnections verifies the liveness sweeper evicts a
// connection that stops sending frames and presence reflects the eviction.
func TestSweeperClosesIdleConnections(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	srv, wsURL := startMemoryRelay(t, cfg)
	alice := registerUser(t, srv, "alice")

	conn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, conn, "alice", "password123")
	require.True(t, srv.hub.IsOnline(alice.ID))

	// Stop sending; the sweeper should cut the connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return !srv.hub.IsOnline(alice.ID)
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, 0, srv.hub.OnlineCount())
}

// TestRateLimitDiscardsFloodedFrames verifies that frames past the burst are
// dropped without closing the connection or reaching the log.
func TestRateLimitDiscardsFloodedFrames(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	srv, wsURL := startMemoryRelay(t, cfg)
	registerUser(t, srv, "alice")

	conn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, conn, "alice", "password123") // consumes one token

	writeFrame(t, conn, map[string]any{"type": "message", "content": "within limit"})
	readFrameOfType(t, conn, "message")

	for i := 0; i < 5; i++ {
		writeFrame(t, conn, map[string]any{"type": "message", "content": "flood"})
	}

	require.Never(t, func() bool {
		return srv.messages.Len() > 1
	}, 500*time.Millisecond, 50*time.Millisecond)
}

// TestDeleteAccountClosesConnections verifies the admin API force-closes the
// deleted user's live WebSocket connections.
func TestDeleteAccountClosesConnections(t *testing.T) {
	srv, wsURL := startMemoryRelay(t, testConfig())
	alice := registerUser(t, srv, "alice")

	conn := dialRelay(t, wsURL, testOrigin)
	joinAs(t, conn, "alice", "password123")

	srv.hub.CloseUser(alice.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool {
		return !srv.hub.IsOnline(alice.ID)
	}, 3*time.Second, 20*time.Millisecond)
}
