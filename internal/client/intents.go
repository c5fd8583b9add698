package client

// Outbound intent frames. Shapes mirror what the server dispatches on
// one-to-one; zero-valued fields stay off the wire.

type DeleteScope string

const (
	DeleteForMe       DeleteScope = "for_me"
	DeleteForEveryone DeleteScope = "for_everyone"
	DeleteByAdmin     DeleteScope = "admin_delete"
)

type AdminAction string

const (
	AdminPromote    AdminAction = "promote"
	AdminDemote     AdminAction = "demote"
	AdminKick       AdminAction = "kick"
	AdminMuteUser   AdminAction = "mute_user"
	AdminMuteRoom   AdminAction = "mute"
	AdminUnmuteRoom AdminAction = "unmute"
	AdminToggleMute AdminAction = "toggle_mute"
)

type ClientFrame struct {
	Type      string      `json:"type,omitempty"`
	Heartbeat bool        `json:"heartbeat,omitempty"`
	IsTyping  *bool       `json:"is_typing,omitempty"`
	Message   string      `json:"message,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	Action    string      `json:"action,omitempty"`
	MessageId string      `json:"message_id,omitempty"`
	Scope     DeleteScope `json:"scope,omitempty"`
	Target    string      `json:"target,omitempty"`
	RoomName  string      `json:"room_name,omitempty"`
	UserLimit int         `json:"user_limit,omitempty"`
}

func heartbeatFrame() *ClientFrame {
	return &ClientFrame{Heartbeat: true}
}

// typingFrame takes a pointer so false is still serialized.
func typingFrame(isTyping bool) *ClientFrame {
	return &ClientFrame{IsTyping: &isTyping}
}

func messageFrame(body, replyTo string) *ClientFrame {
	return &ClientFrame{Message: body, ReplyTo: replyTo}
}

func deleteFrame(messageId string, scope DeleteScope) *ClientFrame {
	return &ClientFrame{Action: "delete_message", MessageId: messageId, Scope: scope}
}

func adminActionFrame(action AdminAction, target string) *ClientFrame {
	return &ClientFrame{Type: "admin_action", Action: string(action), Target: target}
}

func settingsFrame(roomName string, userLimit int) *ClientFrame {
	return &ClientFrame{Type: "chat_settings", RoomName: roomName, UserLimit: userLimit}
}

func leaveFrame() *ClientFrame {
	return &ClientFrame{Type: "leave_chat"}
}
