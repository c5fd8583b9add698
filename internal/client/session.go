package client

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-chatclient/internal/config"
	"github.com/npezzotti/go-chatclient/internal/stats"
)

const writeWait = 10 * time.Second

const (
	MetricFramesReceived  = "FramesReceived"
	MetricFramesSent      = "FramesSent"
	MetricEventsDropped   = "EventsDropped"
	MetricReconnects      = "Reconnects"
	MetricSessionsStarted = "SessionsStarted"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosedTransient
	StateClosedTerminal
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosedTransient:
		return "closed (reconnecting)"
	case StateClosedTerminal:
		return "closed"
	default:
		return "unknown"
	}
}

// Policy close codes. Each is terminal: the server is telling us not to
// come back, so no reconnect is scheduled.
const (
	CloseBanned         = 4001
	CloseNeedCredential = 4002
	CloseRoomFull       = 4003
	CloseRoomNotFound   = 4004
)

var terminalCloseText = map[int]string{
	CloseBanned:         "You have been banned from this room.",
	CloseNeedCredential: "Access denied. This room requires a password.",
	CloseRoomFull:       "The room has reached its user limit.",
	CloseRoomNotFound:   "Room not found.",
}

type inboundFrame struct {
	epoch int
	raw   []byte
}

type connClosed struct {
	epoch int
	code  int
	err   error
}

type intentKind int

const (
	intentFrame intentKind = iota
	intentSend
	intentTyping
	intentDeleteForMe
	intentSetReply
)

type intent struct {
	kind  intentKind
	frame *ClientFrame
	body  string
	id    string
}

// Session owns one room connection: its lifecycle, heartbeat, reconnect
// scheduling and the local RoomState projection. All state mutation happens
// on the run loop; public methods only queue work onto it.
type Session struct {
	id    string
	cfg   *config.Config
	log   *log.Logger
	stats stats.StatsProvider
	room  *RoomState

	// run-loop owned
	conn         *websocket.Conn
	epoch        int
	heartbeat    *time.Ticker
	heartbeatC   <-chan time.Time
	reconnectT   *time.Timer
	reconnectC   <-chan time.Time
	typingT      *time.Timer
	typingC      <-chan time.Time
	typingActive bool

	frameChan  chan inboundFrame
	closedChan chan connClosed
	intentChan chan intent
	resumeChan chan struct{}
	stopChan   chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once

	statusMu       sync.RWMutex
	started        bool
	state          SessionState
	terminalReason string
	needCredential bool
	pendingReply   string
}

func NewSession(cfg *config.Config, logger *log.Logger, sp stats.StatsProvider) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sp == nil {
		return nil, fmt.Errorf("stats provider cannot be nil")
	}

	s := &Session{
		id:         shortid.MustGenerate(),
		cfg:        cfg,
		log:        logger,
		stats:      sp,
		room:       NewRoomState(cfg.Username, logger),
		frameChan:  make(chan inboundFrame, 256),
		closedChan: make(chan connClosed, 4),
		intentChan: make(chan intent, 64),
		resumeChan: make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		state:      StateIdle,
	}

	for _, name := range []string{
		MetricFramesReceived,
		MetricFramesSent,
		MetricEventsDropped,
		MetricReconnects,
		MetricSessionsStarted,
	} {
		sp.RegisterMetric(name)
	}

	return s, nil
}

func (s *Session) Room() *RoomState { return s.room }

func (s *Session) State() SessionState {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.state
}

// TerminalReason is the user-facing message for a terminal close, empty
// otherwise.
func (s *Session) TerminalReason() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.terminalReason
}

// NeedCredential reports whether the session was refused for lack of an
// access credential, in which case the caller should route the user to a
// credential-entry surface.
func (s *Session) NeedCredential() bool {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.needCredential
}

// ReplyTarget is the message id the next SendMessage will reply to.
func (s *Session) ReplyTarget() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.pendingReply
}

func (s *Session) setState(state SessionState) {
	s.statusMu.Lock()
	s.state = state
	s.statusMu.Unlock()
}

// Start spawns the run loop and initiates the first connection attempt.
func (s *Session) Start() {
	s.statusMu.Lock()
	s.started = true
	s.statusMu.Unlock()
	go s.run()
}

// Shutdown tears the session down completely: all timers are cancelled, the
// connection is closed, and late frames from it are ignored. It blocks until
// the run loop has exited; on a session that was never started it is a
// no-op.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopChan) })

	s.statusMu.RLock()
	started := s.started
	s.statusMu.RUnlock()
	if !started {
		return
	}
	<-s.doneChan
}

// VisibilityResumed signals that the hosting surface became active again.
// The session reconnects immediately if, and only if, it is sitting in the
// transient-closed state.
func (s *Session) VisibilityResumed() {
	select {
	case s.resumeChan <- struct{}{}:
	default:
	}
}

// NotifyUnload queues one final best-effort heartbeat for a pending unload
// of the hosting surface. Failure is ignored.
func (s *Session) NotifyUnload() {
	s.queueIntent(intent{kind: intentFrame, frame: heartbeatFrame()})
}

func (s *Session) SendMessage(body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	s.queueIntent(intent{kind: intentSend, body: body})
}

// InputActivity records one keystroke for the typing-pulse debounce.
func (s *Session) InputActivity() {
	s.queueIntent(intent{kind: intentTyping})
}

func (s *Session) SetReplyTarget(id string) {
	s.queueIntent(intent{kind: intentSetReply, id: id})
}

func (s *Session) ClearReplyTarget() {
	s.queueIntent(intent{kind: intentSetReply, id: ""})
}

func (s *Session) DeleteMessage(id string, scope DeleteScope) {
	if scope == DeleteForMe {
		s.queueIntent(intent{kind: intentDeleteForMe, id: id})
		return
	}
	s.queueIntent(intent{kind: intentFrame, frame: deleteFrame(id, scope)})
}

func (s *Session) AdminAction(action AdminAction, target string) {
	s.queueIntent(intent{kind: intentFrame, frame: adminActionFrame(action, target)})
}

func (s *Session) UpdateSettings(roomName string, userLimit int) {
	s.queueIntent(intent{kind: intentFrame, frame: settingsFrame(roomName, userLimit)})
}

func (s *Session) Leave() {
	s.queueIntent(intent{kind: intentFrame, frame: leaveFrame()})
}

func (s *Session) queueIntent(in intent) {
	select {
	case s.intentChan <- in:
	default:
		s.log.Printf("[%s] intent channel full, dropping intent", s.id)
	}
}

func (s *Session) run() {
	defer close(s.doneChan)

	s.stats.Incr(MetricSessionsStarted)
	s.connect()

	for {
		select {
		case fr := <-s.frameChan:
			s.handleFrame(fr)
		case cc := <-s.closedChan:
			s.handleClosed(cc)
		case in := <-s.intentChan:
			s.handleIntent(in)
		case <-s.resumeChan:
			if s.State() == StateClosedTransient {
				s.stopReconnectTimer()
				s.connect()
			}
		case <-s.heartbeatC:
			s.writeFrame(heartbeatFrame())
		case <-s.reconnectC:
			s.reconnectT = nil
			s.reconnectC = nil
			if s.State() == StateClosedTransient {
				s.connect()
			}
		case <-s.typingC:
			s.typingT = nil
			s.typingC = nil
			if s.typingActive {
				s.typingActive = false
				s.writeFrame(typingFrame(false))
			}
		case <-s.stopChan:
			s.teardown()
			return
		}
	}
}

// endpoint composes the connection address from the room id and, when
// present, the access credential.
func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	u.Path = "/ws/chat/" + s.cfg.RoomID + "/"
	if s.cfg.Credential != "" {
		q := u.Query()
		q.Set("token", s.cfg.Credential)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func (s *Session) connect() {
	s.setState(StateConnecting)
	s.room.notify()

	endpoint, err := s.endpoint()
	if err != nil {
		s.log.Printf("[%s] %v", s.id, err)
		s.setState(StateClosedTerminal)
		s.room.notify()
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		s.log.Printf("[%s] dial %s: %v", s.id, endpoint, err)
		s.setState(StateClosedTransient)
		s.scheduleReconnect()
		s.room.notify()
		return
	}

	s.epoch++
	s.conn = conn
	s.setState(StateOpen)
	s.startHeartbeat()
	go s.readPump(conn, s.epoch)

	s.log.Printf("[%s] connected to %s", s.id, endpoint)
	s.room.notify()
}

// readPump moves raw frames from one connection onto the run loop, tagged
// with the connection's epoch so frames from a superseded connection can be
// dropped.
func (s *Session) readPump(conn *websocket.Conn, epoch int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			code := -1
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			select {
			case s.closedChan <- connClosed{epoch: epoch, code: code, err: err}:
			case <-s.doneChan:
			}
			return
		}

		select {
		case s.frameChan <- inboundFrame{epoch: epoch, raw: raw}:
		case <-s.doneChan:
			return
		}
	}
}

func (s *Session) handleFrame(fr inboundFrame) {
	if fr.epoch != s.epoch {
		// late frame from a connection we no longer consider current
		return
	}

	s.stats.Incr(MetricFramesReceived)

	ev, err := DecodeEvent(fr.raw)
	if err != nil {
		s.stats.Incr(MetricEventsDropped)
		s.log.Printf("[%s] dropping frame: %v", s.id, err)
		return
	}

	s.room.Apply(ev)
}

func (s *Session) handleClosed(cc connClosed) {
	if cc.epoch != s.epoch {
		return
	}

	s.stopHeartbeat()
	s.stopTypingTimer()
	s.typingActive = false
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if text, ok := terminalCloseText[cc.code]; ok {
		s.log.Printf("[%s] closed by server policy (code %d): %s", s.id, cc.code, text)
		s.statusMu.Lock()
		s.state = StateClosedTerminal
		s.terminalReason = text
		if cc.code == CloseNeedCredential && s.cfg.Credential == "" {
			s.needCredential = true
		}
		s.statusMu.Unlock()
	} else if cc.code == websocket.CloseNormalClosure {
		s.statusMu.Lock()
		s.state = StateClosedTerminal
		s.terminalReason = "You have been disconnected."
		s.statusMu.Unlock()
	} else {
		s.log.Printf("[%s] connection lost: %v", s.id, cc.err)
		s.setState(StateClosedTransient)
		s.scheduleReconnect()
	}

	s.room.notify()
}

func (s *Session) handleIntent(in intent) {
	switch in.kind {
	case intentFrame:
		s.writeFrame(in.frame)
	case intentTyping:
		if s.State() != StateOpen {
			return
		}
		if !s.typingActive {
			s.typingActive = true
			s.writeFrame(typingFrame(true))
		}
		s.resetTypingTimer()
	case intentSend:
		if s.State() != StateOpen {
			s.log.Printf("[%s] dropping message, connection not open", s.id)
			return
		}
		// a sent message must never leave a stale typing indicator on
		// other clients
		if s.typingActive {
			s.typingActive = false
			s.stopTypingTimer()
			s.writeFrame(typingFrame(false))
		}
		s.writeFrame(messageFrame(in.body, s.ReplyTarget()))
		s.statusMu.Lock()
		s.pendingReply = ""
		s.statusMu.Unlock()
		s.room.notify()
	case intentDeleteForMe:
		// the server is informed for bookkeeping, but the projection
		// change is local only
		s.writeFrame(deleteFrame(in.id, DeleteForMe))
		s.room.DeleteForSelf(in.id)
	case intentSetReply:
		s.statusMu.Lock()
		s.pendingReply = in.id
		s.statusMu.Unlock()
		s.room.notify()
	}
}

func (s *Session) writeFrame(frame *ClientFrame) bool {
	if s.conn == nil {
		s.log.Printf("[%s] dropping outbound frame, no connection", s.id)
		return false
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.log.Printf("[%s] write frame: %v", s.id, err)
		return false
	}

	s.stats.Incr(MetricFramesSent)
	return true
}

func (s *Session) scheduleReconnect() {
	if s.reconnectT != nil {
		return
	}
	s.stats.Incr(MetricReconnects)
	s.reconnectT = time.NewTimer(s.cfg.ReconnectDelay)
	s.reconnectC = s.reconnectT.C
}

func (s *Session) stopReconnectTimer() {
	if s.reconnectT != nil {
		s.reconnectT.Stop()
		s.reconnectT = nil
		s.reconnectC = nil
	}
}

func (s *Session) startHeartbeat() {
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	s.heartbeatC = s.heartbeat.C
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
		s.heartbeatC = nil
	}
}

func (s *Session) resetTypingTimer() {
	s.stopTypingTimer()
	s.typingT = time.NewTimer(s.cfg.TypingIdle)
	s.typingC = s.typingT.C
}

func (s *Session) stopTypingTimer() {
	if s.typingT != nil {
		s.typingT.Stop()
		s.typingT = nil
		s.typingC = nil
	}
}

func (s *Session) teardown() {
	s.setState(StateClosing)
	s.stopHeartbeat()
	s.stopReconnectTimer()
	s.stopTypingTimer()

	// flush intents queued ahead of the stop signal so a final leave or
	// heartbeat still goes out before the socket closes
drain:
	for {
		select {
		case in := <-s.intentChan:
			s.handleIntent(in)
		default:
			break drain
		}
	}

	// late frames from this connection must not be applied
	s.epoch++

	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.conn.Close()
		s.conn = nil
	}

	s.setState(StateClosedTerminal)
	s.log.Printf("[%s] session torn down", s.id)
	s.room.notify()
}
