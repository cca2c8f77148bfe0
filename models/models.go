package models

import "time"

// Message delivery states. A message never moves from StatusRead back to
// StatusSent.
const (
	StatusSent = "sent"
	StatusRead = "read"
)

// Content types accepted for a message payload.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
	TypeAudio = "audio"
	TypeFile  = "file"
)

// User is an identity keyed by its normalized phone number.
type User struct {
	ID       int64  `json:"-"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"-"` // hashed
	Avatar   string `json:"avatar,omitempty"`
}

type Message struct {
	ID          int64      `json:"id"`
	Room        string     `json:"room"`
	Author      string     `json:"author"`
	AuthorPhone string     `json:"authorPhone"`
	Content     string     `json:"message"`
	Type        string     `json:"type"`
	Time        string     `json:"time"`
	Status      string     `json:"status"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	Avatar      string     `json:"avatar,omitempty"`
}

// RecentChat summarizes one room from the point of view of a participant.
type RecentChat struct {
	Room        string `json:"roomId"`
	PeerPhone   string `json:"phone"`
	PeerName    string `json:"username"`
	PeerAvatar  string `json:"avatar,omitempty"`
	LastMessage string `json:"lastMessage"`
	LastType    string `json:"lastType"`
	LastTime    string `json:"lastTime"`
	LastID      int64  `json:"lastId"`
	Unread      int    `json:"unread"`
}

// PushSubscription is a Web Push endpoint registered by a user agent.
type PushSubscription struct {
	ID        int64     `json:"-"`
	Phone     string    `json:"-"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"-"`
}

// ValidContentType reports whether t is one of the accepted content types.
func ValidContentType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}
