package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidFrame = errors.New("invalid frame format")
)

// Client to server events
const (
	EventRegister       = "register"
	EventLogin          = "login"
	EventUpdateProfile  = "update_profile"
	EventGetRecentChats = "get_recent_chats"
	EventGetPresence    = "get_presence"
	EventSubscribePush  = "subscribe_push"
	EventStartChat      = "start_chat"
	EventJoinRoom       = "join_room"
	EventSendMessage    = "send_message"
	EventDeleteMessage  = "delete_message"
	EventResetRoom      = "reset_room"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventMarkRead       = "mark_read"
	EventCallOffer      = "call_offer"
	EventCallAnswer     = "call_answer"
	EventICECandidate   = "ice_candidate"
	EventCallEnd        = "call_end"
)

// Server to client events
const (
	EventAck                = "ack"
	EventError              = "error"
	EventReceiveMessage     = "receive_message"
	EventLoadMessages       = "load_messages"
	EventMessageDeleted     = "message_deleted"
	EventRoomReset          = "room_reset"
	EventUserPresence       = "user_presence"
	EventUserTyping         = "user_typing"
	EventUserStopTyping     = "user_stop_typing"
	EventMessagesReadUpdate = "messages_read_update"
	EventServerShutdown     = "server_shutdown"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is the envelope of every websocket text message. A non-zero ID on an
// inbound frame asks for exactly one ack frame carrying the same ID.
type Frame struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, ErrInvalidFrame
	}
	f.Event = strings.TrimSpace(f.Event)
	if f.Event == "" {
		return nil, ErrInvalidFrame
	}
	return &f, nil
}

// NewFrame marshals data into a frame. A json.RawMessage is used as is so
// relayed payloads keep their exact bytes.
func NewFrame(event string, data any) (*Frame, error) {
	f := &Frame{Event: event}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	f.Data = b
	return f, nil
}

// NewAck builds the acknowledgement frame for request id.
func NewAck(id uint64, data any) (*Frame, error) {
	f, err := NewFrame(EventAck, data)
	if err != nil {
		return nil, err
	}
	f.ID = id
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return ErrInvalidFrame
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return ErrInvalidFrame
	}
	return nil
}

// DecodeRoom accepts both a bare room string and an object with a "room"
// field, since reset_room and join_room send the key on its own.
func (f *Frame) DecodeRoom() (string, error) {
	var room string
	if err := json.Unmarshal(f.Data, &room); err == nil {
		return room, nil
	}
	var ref RoomRef
	if err := f.Decode(&ref); err != nil {
		return "", err
	}
	return ref.Room, nil
}
