package types

// Member is one entry in the room roster. The roster is replaced wholesale
// on every user_list_update, so a Member carries no identity beyond Username.
type Member struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	IsCreator bool   `json:"is_creator"`
	IsAdmin   bool   `json:"is_admin"`
	IsMuted   bool   `json:"is_muted"`
	IsOnline  bool   `json:"is_online"`
	LastSeen  string `json:"last_seen"`
}

// ParentRef is a snapshot of the replied-to message's author and content
// taken at send time. It is not a live reference into the message log.
type ParentRef struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

type DeletionState int

const (
	Active DeletionState = iota
	DeletedForSelf
	DeletedForEveryone
)

// Message is one entry in the message log. Deleted messages are never
// removed, only transitioned, so log positions stay stable. Messages embed
// their own author and avatar because the author may have left the roster.
type Message struct {
	Id             string
	Username       string
	Content        string
	Timestamp      string
	AvatarURL      string
	Parent         *ParentRef
	Deletion       DeletionState
	DeletedByAdmin string
	System         bool
}
