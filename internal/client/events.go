package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chatclient/internal/types"
)

// EventType is the discriminant of an inbound frame.
type EventType string

const (
	EventRoomStateUpdate   EventType = "room_state_update"
	EventMuteStatusUpdate  EventType = "mute_status_update"
	EventAdminStatusUpdate EventType = "admin_status_update"
	EventChatMessage       EventType = "chat_message"
	EventTypingSignal      EventType = "typing_signal"
	EventUserListUpdate    EventType = "user_list_update"
	EventUserStatusUpdate  EventType = "user_status_update"
	EventSystemMessage     EventType = "system_message"
	EventMessageDeleted    EventType = "message_deleted_for_everyone"
	EventHeartbeat         EventType = "heartbeat"
)

var knownEvents = map[EventType]struct{}{
	EventRoomStateUpdate:   {},
	EventMuteStatusUpdate:  {},
	EventAdminStatusUpdate: {},
	EventChatMessage:       {},
	EventTypingSignal:      {},
	EventUserListUpdate:    {},
	EventUserStatusUpdate:  {},
	EventSystemMessage:     {},
	EventMessageDeleted:    {},
	EventHeartbeat:         {},
}

// ErrUnknownEventType marks a frame whose discriminant is outside the
// recognized set. The protocol is additive, so callers log and drop these.
var ErrUnknownEventType = errors.New("unknown event type")

// ServerEvent is the decoded form of one inbound frame. The wire format is a
// flat JSON object tagged by "type"; fields not belonging to an event's type
// are left zero-valued. Message ids arrive as numbers or strings and are
// treated as opaque.
type ServerEvent struct {
	Type EventType `json:"type"`

	// room_state_update, mute_status_update
	IsMuted bool `json:"is_muted"`
	// room_state_update, admin_status_update
	IsAdmin bool `json:"is_admin"`

	// chat_message body, mute_status_update notice, system_message text
	Message string `json:"message"`

	// chat_message
	Id        json.Number      `json:"id"`
	Timestamp string           `json:"timestamp"`
	AvatarURL string           `json:"avatar_url"`
	Parent    *types.ParentRef `json:"parent"`

	// chat_message, typing_signal, user_status_update
	Username string `json:"username"`

	// typing_signal
	IsTyping bool `json:"is_typing"`

	// user_list_update
	Users []types.Member `json:"users"`

	// user_status_update
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen"`

	// message_deleted_for_everyone
	MessageId      json.Number `json:"message_id"`
	DeletedByAdmin bool        `json:"deleted_by_admin"`
	AdminUsername  string      `json:"admin_username"`
}

// DecodeEvent parses a raw frame into a ServerEvent. It fails on frames that
// are not structurally valid JSON and on discriminants outside the
// recognized set; neither failure is fatal to the session.
func DecodeEvent(raw []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	if _, ok := knownEvents[ev.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	return &ev, nil
}
