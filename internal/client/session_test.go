package client

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-chatclient/internal/config"
	"github.com/npezzotti/go-chatclient/internal/stats"
	"github.com/npezzotti/go-chatclient/internal/testutil"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (fr *frameRecorder) add(raw []byte) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	fr.mu.Lock()
	fr.frames = append(fr.frames, frame)
	fr.mu.Unlock()
}

func (fr *frameRecorder) all() []map[string]any {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]map[string]any(nil), fr.frames...)
}

func (fr *frameRecorder) countTyping(isTyping bool) int {
	var n int
	for _, f := range fr.all() {
		if v, ok := f["is_typing"].(bool); ok && v == isTyping {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, serverURL string) *Session {
	t.Helper()

	cfg, err := config.NewConfig(serverURL, "general", "testuser", "")
	require.NoError(t, err, "expected valid test config")
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.TypingIdle = 100 * time.Millisecond

	s, err := NewSession(cfg, testutil.TestLogger(t), stats.NoopStats{})
	require.NoError(t, err, "expected session to be created")
	return s
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	s.Start()
	t.Cleanup(s.Shutdown)
}

// discard keeps a server-side connection open until the peer goes away.
func discard(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func Test_endpoint(t *testing.T) {
	t.Run("without credential", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		endpoint, err := s.endpoint()
		require.NoError(t, err, "expected endpoint to compose")
		assert.Equal(t, "ws://example.com/ws/chat/general/", endpoint, "expected room path without query")
	})

	t.Run("credential passed as query parameter", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		s.cfg.Credential = "abc123"
		endpoint, err := s.endpoint()
		require.NoError(t, err, "expected endpoint to compose")
		assert.Equal(t, "ws://example.com/ws/chat/general/?token=abc123", endpoint, "expected token query parameter")
	})
}

func Test_connectDeliversEvents(t *testing.T) {
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteJSON(map[string]any{"type": "room_state_update", "is_muted": false, "is_admin": false})
		conn.WriteJSON(map[string]any{
			"type": "chat_message", "id": 1, "username": "bob",
			"message": "hi", "timestamp": "10:00", "avatar_url": "/b.png",
		})
		discard(conn)
	})

	s := newTestSession(t, url)
	startSession(t, s)

	assert.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, waitFor, tick, "expected session to reach open state")

	assert.Eventually(t, func() bool {
		snap := s.Room().Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Username == "bob"
	}, waitFor, tick, "expected chat message applied to room state")
}

func Test_terminalClose(t *testing.T) {
	var connCount int32
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		atomic.AddInt32(&connCount, 1)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseRoomNotFound, "room not found"),
			time.Now().Add(time.Second))
		conn.ReadMessage() // wait for the close response
		conn.Close()
	})

	s := newTestSession(t, url)
	startSession(t, s)

	assert.Eventually(t, func() bool {
		return s.State() == StateClosedTerminal
	}, waitFor, tick, "expected terminal close state")
	assert.Equal(t, "Room not found.", s.TerminalReason(), "expected room-not-found message")
	assert.False(t, s.NeedCredential(), "expected no credential redirect for room-not-found")

	// no reconnect may be scheduled for a policy close
	time.Sleep(4 * s.cfg.ReconnectDelay)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connCount), "expected no reconnect after terminal close")
}

func Test_needCredential(t *testing.T) {
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseNeedCredential, "password required"),
			time.Now().Add(time.Second))
		conn.ReadMessage()
		conn.Close()
	})

	s := newTestSession(t, url)
	startSession(t, s)

	assert.Eventually(t, func() bool {
		return s.State() == StateClosedTerminal
	}, waitFor, tick, "expected terminal close state")
	assert.True(t, s.NeedCredential(), "expected credential redirect flag when no credential was supplied")
	assert.Equal(t, "Access denied. This room requires a password.", s.TerminalReason(), "expected access-denied message")
}

func Test_transientReconnect(t *testing.T) {
	var connCount int32
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if atomic.AddInt32(&connCount, 1) == 1 {
			conn.Close() // abrupt, non-policy close
			return
		}
		discard(conn)
	})

	s := newTestSession(t, url)
	startSession(t, s)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&connCount) >= 2 && s.State() == StateOpen
	}, waitFor, tick, "expected automatic reconnect after transient close")
}

func Test_visibilityResume(t *testing.T) {
	var connCount int32
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		if atomic.AddInt32(&connCount, 1) == 1 {
			conn.Close()
			return
		}
		discard(conn)
	})

	s := newTestSession(t, url)
	s.cfg.ReconnectDelay = time.Hour // the timer-driven attempt must not win
	startSession(t, s)

	require.Eventually(t, func() bool {
		return s.State() == StateClosedTransient
	}, waitFor, tick, "expected transient-closed state after abrupt close")

	s.VisibilityResumed()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&connCount) == 2 && s.State() == StateOpen
	}, waitFor, tick, "expected visibility regain to trigger one reconnect")
}

func Test_typingDebounce(t *testing.T) {
	rec := &frameRecorder{}
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rec.add(raw)
		}
	})

	s := newTestSession(t, url)
	startSession(t, s)
	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, waitFor, tick, "expected session to open")

	for i := 0; i < 3; i++ {
		s.InputActivity()
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return rec.countTyping(true) == 1 && rec.countTyping(false) == 1
	}, waitFor, tick, "expected one start and one stop pulse")

	// idle expiry already fired; no further pulses may follow
	time.Sleep(3 * s.cfg.TypingIdle)
	assert.Equal(t, 1, rec.countTyping(true), "expected exactly one is_typing=true")
	assert.Equal(t, 1, rec.countTyping(false), "expected exactly one is_typing=false")
}

func Test_sendMessageWithReply(t *testing.T) {
	rec := &frameRecorder{}
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rec.add(raw)
		}
	})

	s := newTestSession(t, url)
	startSession(t, s)
	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, waitFor, tick, "expected session to open")

	s.SetReplyTarget("42")
	require.Eventually(t, func() bool {
		return s.ReplyTarget() == "42"
	}, waitFor, tick, "expected pending reply target to be set")

	s.SendMessage("   ") // blank input is never transmitted
	s.InputActivity()
	s.SendMessage("hello")

	assert.Eventually(t, func() bool {
		for _, f := range rec.all() {
			if f["message"] == "hello" {
				return true
			}
		}
		return false
	}, waitFor, tick, "expected message frame to arrive")

	var messages []map[string]any
	for _, f := range rec.all() {
		if _, ok := f["message"]; ok {
			messages = append(messages, f)
		}
	}
	require.Len(t, messages, 1, "expected a single message frame")
	assert.Equal(t, "hello", messages[0]["message"], "expected message body")
	assert.Equal(t, "42", messages[0]["reply_to"], "expected reply_to to carry the pending target")

	// the stop pulse must precede the message frame
	assert.Equal(t, 1, rec.countTyping(false), "expected forced is_typing=false before the message")
	assert.Eventually(t, func() bool {
		return s.ReplyTarget() == ""
	}, waitFor, tick, "expected pending reply to clear after send")

	// the cancelled idle timer must not fire a second stop pulse
	time.Sleep(3 * s.cfg.TypingIdle)
	assert.Equal(t, 1, rec.countTyping(false), "expected no stale stop pulse after send")
}

func Test_heartbeat(t *testing.T) {
	rec := &frameRecorder{}
	url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rec.add(raw)
			conn.WriteJSON(map[string]any{"type": "heartbeat", "status": "pong"})
		}
	})

	s := newTestSession(t, url)
	s.cfg.HeartbeatInterval = 50 * time.Millisecond
	startSession(t, s)

	assert.Eventually(t, func() bool {
		var n int
		for _, f := range rec.all() {
			if v, ok := f["heartbeat"].(bool); ok && v {
				n++
			}
		}
		return n >= 2
	}, waitFor, tick, "expected periodic heartbeat frames")

	// the server pong is a liveness no-op, never surfaced to the room log
	assert.Empty(t, s.Room().Snapshot().Messages, "expected heartbeat replies not to surface")
}

func Test_shutdown(t *testing.T) {
	t.Run("while reconnecting", func(t *testing.T) {
		// nothing listens here; the dial fails and a reconnect is pending
		s := newTestSession(t, "ws://127.0.0.1:1")
		s.Start()

		require.Eventually(t, func() bool {
			return s.State() == StateClosedTransient
		}, waitFor, tick, "expected transient state after failed dial")

		done := make(chan struct{})
		go func() {
			s.Shutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("timeout: shutdown did not complete")
		}
		assert.Equal(t, StateClosedTerminal, s.State(), "expected closed state after teardown")
	})

	t.Run("while open", func(t *testing.T) {
		url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
			discard(conn)
		})

		s := newTestSession(t, url)
		s.Start()
		require.Eventually(t, func() bool {
			return s.State() == StateOpen
		}, waitFor, tick, "expected session to open")

		s.Shutdown()
		assert.Equal(t, StateClosedTerminal, s.State(), "expected closed state after teardown")
	})

	t.Run("never started is a no-op", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")

		done := make(chan struct{})
		go func() {
			s.Shutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("timeout: shutdown of a never-started session hung")
		}
	})

	t.Run("flushes queued intents before closing", func(t *testing.T) {
		rec := &frameRecorder{}
		url := testutil.WSServer(t, func(conn *websocket.Conn, r *http.Request) {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				rec.add(raw)
			}
		})

		s := newTestSession(t, url)
		s.Start()
		require.Eventually(t, func() bool {
			return s.State() == StateOpen
		}, waitFor, tick, "expected session to open")

		s.Leave()
		s.NotifyUnload()
		s.Shutdown()

		assert.Eventually(t, func() bool {
			var leave, heartbeat bool
			for _, f := range rec.all() {
				if f["type"] == "leave_chat" {
					leave = true
				}
				if v, ok := f["heartbeat"].(bool); ok && v {
					heartbeat = true
				}
			}
			return leave && heartbeat
		}, waitFor, tick, "expected the leave frame and final heartbeat to be sent before close")
	})
}

func Test_staleConnectionIgnored(t *testing.T) {
	chatFrame := []byte(`{"type": "chat_message", "id": 1, "username": "bob", "message": "late", "timestamp": "10:00"}`)

	t.Run("frame from superseded epoch is dropped", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		s.epoch = 2

		s.handleFrame(inboundFrame{epoch: 1, raw: chatFrame})

		assert.Empty(t, s.Room().Snapshot().Messages, "expected stale frame not to reach the projection")
	})

	t.Run("frame from current epoch is applied", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		s.epoch = 2

		s.handleFrame(inboundFrame{epoch: 2, raw: chatFrame})

		assert.Len(t, s.Room().Snapshot().Messages, 1, "expected current frame to be applied")
	})

	t.Run("close from superseded epoch is dropped", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		s.epoch = 2
		s.setState(StateOpen)

		s.handleClosed(connClosed{epoch: 1, code: CloseRoomNotFound})

		assert.Equal(t, StateOpen, s.State(), "expected stale close not to change session state")
		assert.Empty(t, s.TerminalReason(), "expected no terminal reason from a stale close")
	})

	t.Run("frames are dropped after teardown bumps the epoch", func(t *testing.T) {
		s := newTestSession(t, "ws://example.com")
		s.epoch = 1
		s.teardown()

		s.handleFrame(inboundFrame{epoch: 1, raw: chatFrame})

		assert.Empty(t, s.Room().Snapshot().Messages, "expected post-teardown frames to be ignored")
	})
}

func TestNewSession(t *testing.T) {
	cfg, err := config.NewConfig("ws://localhost:8000", "general", "testuser", "")
	require.NoError(t, err, "expected valid config")
	logger := testutil.TestLogger(t)

	t.Run("requires config", func(t *testing.T) {
		_, err := NewSession(nil, logger, stats.NoopStats{})
		assert.Error(t, err, "expected error for nil config")
	})

	t.Run("requires logger", func(t *testing.T) {
		_, err := NewSession(cfg, nil, stats.NoopStats{})
		assert.Error(t, err, "expected error for nil logger")
	})

	t.Run("registers metrics", func(t *testing.T) {
		sp := &stats.MockStatsUpdater{}
		sp.On("RegisterMetric", mock.AnythingOfType("string")).Return()

		s, err := NewSession(cfg, logger, sp)
		assert.NoError(t, err, "expected session to be created")
		assert.NotNil(t, s.Room(), "expected room state to be initialized")
		sp.AssertNumberOfCalls(t, "RegisterMetric", 5)
	})
}
