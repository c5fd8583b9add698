package client

import (
	"log"
	"sort"
	"sync"

	"github.com/npezzotti/go-chatclient/internal/types"
)

// RoomState is the local projection of server-authoritative room state. It
// is mutated only by decoded events and local user actions, all applied on
// the session's run loop; the lock exists so presentation code on other
// goroutines can take snapshots.
type RoomState struct {
	log       *log.Logger
	localUser string

	mu          sync.RWMutex
	isMuted     bool
	selfIsAdmin bool
	selfIsMuted bool
	roster      []types.Member
	typingUsers map[string]struct{}
	messages    []*types.Message
	subscribers []func()
}

func NewRoomState(localUser string, logger *log.Logger) *RoomState {
	return &RoomState{
		log:         logger,
		localUser:   localUser,
		typingUsers: make(map[string]struct{}),
	}
}

// Subscribe registers fn to be called after each applied event, at most once
// per processed frame.
func (rs *RoomState) Subscribe(fn func()) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.subscribers = append(rs.subscribers, fn)
}

func (rs *RoomState) notify() {
	rs.mu.RLock()
	subs := make([]func(), len(rs.subscribers))
	copy(subs, rs.subscribers)
	rs.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}

// Apply applies one decoded event to the projection and fires the change
// notification. Heartbeats are liveness acknowledgments and are never
// surfaced.
func (rs *RoomState) Apply(ev *ServerEvent) {
	if ev.Type == EventHeartbeat {
		return
	}

	rs.mu.Lock()
	switch ev.Type {
	case EventRoomStateUpdate:
		rs.isMuted = ev.IsMuted
		rs.selfIsAdmin = ev.IsAdmin
	case EventMuteStatusUpdate:
		rs.isMuted = ev.IsMuted
		if ev.Message != "" {
			rs.appendSystem(ev.Message)
		}
	case EventAdminStatusUpdate:
		rs.selfIsAdmin = ev.IsAdmin
	case EventChatMessage:
		rs.applyChatMessage(ev)
	case EventTypingSignal:
		rs.applyTypingSignal(ev)
	case EventUserListUpdate:
		rs.applyUserList(ev.Users)
	case EventUserStatusUpdate:
		rs.applyUserStatus(ev)
	case EventSystemMessage:
		rs.applySystemMessage(ev.Message)
	case EventMessageDeleted:
		rs.applyMessageDeleted(ev)
	default:
		rs.mu.Unlock()
		rs.log.Printf("ignoring unhandled event type %q", ev.Type)
		return
	}
	rs.mu.Unlock()

	rs.notify()
}

func (rs *RoomState) applyChatMessage(ev *ServerEvent) {
	// a delivered message implies its author stopped typing, even if the
	// stop signal was lost
	delete(rs.typingUsers, ev.Username)

	rs.messages = append(rs.messages, &types.Message{
		Id:        ev.Id.String(),
		Username:  ev.Username,
		Content:   ev.Message,
		Timestamp: ev.Timestamp,
		AvatarURL: ev.AvatarURL,
		Parent:    ev.Parent,
	})
}

func (rs *RoomState) applyTypingSignal(ev *ServerEvent) {
	if ev.Username == rs.localUser {
		return
	}

	if ev.IsTyping {
		rs.typingUsers[ev.Username] = struct{}{}
	} else {
		delete(rs.typingUsers, ev.Username)
	}
}

// applyUserList replaces the roster wholesale, then re-derives self status
// from the local user's entry. A missing self entry (join race) leaves the
// prior values untouched.
func (rs *RoomState) applyUserList(users []types.Member) {
	rs.roster = append(rs.roster[:0:0], users...)

	for _, m := range users {
		if m.Username == rs.localUser {
			rs.selfIsMuted = m.IsMuted
			rs.selfIsAdmin = m.IsAdmin
			break
		}
	}
}

func (rs *RoomState) applyUserStatus(ev *ServerEvent) {
	for i := range rs.roster {
		if rs.roster[i].Username == ev.Username {
			rs.roster[i].IsOnline = ev.IsOnline
			rs.roster[i].LastSeen = ev.LastSeen
			return
		}
	}
	// unknown username: benign ordering race
}

func (rs *RoomState) applySystemMessage(text string) {
	if text == joinedNotice(rs.localUser) {
		// the user doesn't need to be told they joined
		return
	}
	rs.appendSystem(text)
}

func (rs *RoomState) applyMessageDeleted(ev *ServerEvent) {
	id := ev.MessageId.String()
	if id == "" {
		return
	}
	for _, m := range rs.messages {
		if m.Id == id {
			m.Deletion = types.DeletedForEveryone
			if ev.DeletedByAdmin {
				m.DeletedByAdmin = ev.AdminUsername
			}
			return
		}
	}
	// deletion of an id we haven't seen: swallowed, not retried
}

func (rs *RoomState) appendSystem(text string) {
	rs.messages = append(rs.messages, &types.Message{
		Content: text,
		System:  true,
	})
}

func joinedNotice(username string) string {
	return username + " joined the room."
}

// DeleteForSelf hides a message from the local projection only. Other
// participants are unaffected.
func (rs *RoomState) DeleteForSelf(id string) {
	if id == "" {
		return
	}
	rs.mu.Lock()
	var found bool
	for _, m := range rs.messages {
		if m.Id == id {
			m.Deletion = types.DeletedForSelf
			found = true
			break
		}
	}
	rs.mu.Unlock()

	if found {
		rs.notify()
	}
}

// CanSend reports whether the local user may send messages, with a short
// reason when they may not. The per-user mute is evaluated before the
// room-wide mute; admins bypass both layers.
func (rs *RoomState) CanSend() (bool, string) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.selfIsMuted && !rs.selfIsAdmin {
		return false, "muted"
	}
	if rs.isMuted && !rs.selfIsAdmin {
		return false, "room muted"
	}
	return true, ""
}

// Snapshot is an immutable copy of the projection for rendering.
type Snapshot struct {
	IsMuted     bool
	SelfIsAdmin bool
	SelfIsMuted bool
	Roster      []types.Member
	TypingUsers []string
	Messages    []types.Message
}

func (rs *RoomState) Snapshot() Snapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	snap := Snapshot{
		IsMuted:     rs.isMuted,
		SelfIsAdmin: rs.selfIsAdmin,
		SelfIsMuted: rs.selfIsMuted,
		Roster:      append([]types.Member(nil), rs.roster...),
	}

	for _, m := range rs.messages {
		snap.Messages = append(snap.Messages, *m)
	}
	for u := range rs.typingUsers {
		snap.TypingUsers = append(snap.TypingUsers, u)
	}
	sort.Strings(snap.TypingUsers)

	return snap
}
