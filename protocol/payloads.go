package protocol

import "warpchat/models"

type RegisterRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type UpdateProfileRequest struct {
	Avatar string `json:"avatar"`
}

type StartChatRequest struct {
	TargetPhone string `json:"targetPhone"`
}

type PresenceRequest struct {
	Phone string `json:"phone"`
}

type PushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SendMessageRequest mirrors the client payload. Author is informational;
// the server stamps the author from the bound identity.
type SendMessageRequest struct {
	Room    string `json:"room"`
	Author  string `json:"author"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Time    string `json:"time"`
}

type DeleteMessageRequest struct {
	ID   int64  `json:"id"`
	Room string `json:"room"`
}

// RoomRef is any payload that only needs its room key, including signaling
// payloads whose remaining fields are opaque.
type RoomRef struct {
	Room string `json:"room"`
}

// Ack is the generic acknowledgement payload.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

type LoginAck struct {
	Status   string `json:"status"`
	Username string `json:"username,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Message  string `json:"message,omitempty"`
	Code     string `json:"code,omitempty"`
}

type StartChatAck struct {
	Status  string `json:"status"`
	RoomID  string `json:"roomId,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

type SendMessageAck struct {
	Status string `json:"status"`
	ID     int64  `json:"id"`
}

type RecentChatsAck struct {
	Status string              `json:"status"`
	Chats  []models.RecentChat `json:"chats"`
}

type PresenceAck struct {
	Status   string `json:"status"`
	Phone    string `json:"phone"`
	IsOnline bool   `json:"isOnline"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// Server pushes

type Presence struct {
	Phone    string `json:"phone"`
	IsOnline bool   `json:"isOnline"`
}

type Typing struct {
	Room  string `json:"room"`
	Phone string `json:"phone"`
}

type ReadUpdate struct {
	Room   string `json:"room"`
	ReadBy string `json:"readBy"`
}

type RoomResetNotice struct {
	Room string `json:"room"`
}

type ErrorNotice struct {
	Event   string `json:"event"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ShutdownNotice struct {
	Reason string `json:"reason"`
	Until  string `json:"until,omitempty"`
}

type UploadResponse struct {
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}
