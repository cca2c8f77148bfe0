package server

import (
	"encoding/json"

	jww "github.com/spf13/jwalterweatherman"

	"warpchat/protocol"
)

// handleFrame dispatches one inbound frame. Frames with an id get exactly
// one ack; failures of frames without one are reported as error events.
func (s *Server) handleFrame(c *Conn, f *protocol.Frame) {
	jww.DEBUG.Printf("Received %s from %s", f.Event, c.ID)

	switch f.Event {
	case protocol.EventRegister:
		s.handleRegister(c, f)
	case protocol.EventLogin:
		s.handleLogin(c, f)
	case protocol.EventUpdateProfile:
		s.handleUpdateProfile(c, f)
	case protocol.EventGetRecentChats:
		s.handleRecentChats(c, f)
	case protocol.EventGetPresence:
		s.handlePresence(c, f)
	case protocol.EventSubscribePush:
		s.handleSubscribePush(c, f)
	case protocol.EventStartChat:
		s.handleStartChat(c, f)
	case protocol.EventJoinRoom:
		s.handleJoinRoom(c, f)
	case protocol.EventSendMessage:
		s.handleSendMessage(c, f)
	case protocol.EventDeleteMessage:
		s.handleDeleteMessage(c, f)
	case protocol.EventResetRoom:
		s.handleResetRoom(c, f)
	case protocol.EventTypingStart:
		s.handleTyping(c, f, true)
	case protocol.EventTypingStop:
		s.handleTyping(c, f, false)
	case protocol.EventMarkRead:
		s.handleMarkRead(c, f)
	case protocol.EventCallOffer, protocol.EventCallAnswer, protocol.EventICECandidate, protocol.EventCallEnd:
		s.handleSignal(c, f)
	default:
		s.sendError(c, f, validationErr("Unknown event"))
	}
}

func (s *Server) sendOK(c *Conn, f *protocol.Frame) {
	c.ack(f.ID, protocol.Ack{Status: protocol.StatusOK})
}

func (s *Server) sendError(c *Conn, f *protocol.Frame, err error) {
	code, message := errorCode(err), errorMessage(err)
	jww.DEBUG.Printf("%s from %s failed: %v", f.Event, c.ID, err)
	if f.ID != 0 {
		c.ack(f.ID, protocol.Ack{Status: protocol.StatusError, Message: message, Code: code})
		return
	}
	c.Emit(protocol.EventError, protocol.ErrorNotice{Event: f.Event, Message: message, Code: code})
}

func (s *Server) handleRegister(c *Conn, f *protocol.Frame) {
	var req protocol.RegisterRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.Register(c.Context(), req); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleLogin(c *Conn, f *protocol.Frame) {
	var req protocol.LoginRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	user, err := s.Authenticate(c.Context(), c, req.Phone, req.Password)
	if err != nil {
		s.sendError(c, f, err)
		return
	}
	c.ack(f.ID, protocol.LoginAck{
		Status:   protocol.StatusOK,
		Username: user.Username,
		Phone:    user.Phone,
		Avatar:   user.Avatar,
	})
}

func (s *Server) handleUpdateProfile(c *Conn, f *protocol.Frame) {
	var req protocol.UpdateProfileRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.UpdateProfile(c.Context(), c, req.Avatar); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleRecentChats(c *Conn, f *protocol.Frame) {
	chats, err := s.RecentChats(c.Context(), c)
	if err != nil {
		s.sendError(c, f, err)
		return
	}
	c.ack(f.ID, protocol.RecentChatsAck{Status: protocol.StatusOK, Chats: chats})
}

func (s *Server) handlePresence(c *Conn, f *protocol.Frame) {
	var req protocol.PresenceRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	ack, err := s.Presence(c.Context(), c, req.Phone)
	if err != nil {
		s.sendError(c, f, err)
		return
	}
	c.ack(f.ID, ack)
}

func (s *Server) handleSubscribePush(c *Conn, f *protocol.Frame) {
	var req protocol.PushSubscribeRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.SubscribePush(c.Context(), c, req); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleStartChat(c *Conn, f *protocol.Frame) {
	var req protocol.StartChatRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	room, err := s.StartChat(c.Context(), c, req.TargetPhone)
	if err != nil {
		s.sendError(c, f, err)
		return
	}
	c.ack(f.ID, protocol.StartChatAck{Status: protocol.StatusOK, RoomID: room})
}

func (s *Server) handleJoinRoom(c *Conn, f *protocol.Frame) {
	room, err := f.DecodeRoom()
	if err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.JoinRoom(c.Context(), c, room); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleSendMessage(c *Conn, f *protocol.Frame) {
	var req protocol.SendMessageRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	msg, err := s.SendMessage(c.Context(), c, req)
	if err != nil {
		s.sendError(c, f, err)
		return
	}
	c.ack(f.ID, protocol.SendMessageAck{Status: protocol.StatusOK, ID: msg.ID})
}

func (s *Server) handleDeleteMessage(c *Conn, f *protocol.Frame) {
	var req protocol.DeleteMessageRequest
	if err := f.Decode(&req); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.DeleteMessage(c.Context(), c, req.ID, req.Room); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleResetRoom(c *Conn, f *protocol.Frame) {
	room, err := f.DecodeRoom()
	if err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.ResetRoom(c.Context(), c, room); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleTyping(c *Conn, f *protocol.Frame, active bool) {
	room, err := f.DecodeRoom()
	if err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if err := s.Typing(c, room, active); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

func (s *Server) handleMarkRead(c *Conn, f *protocol.Frame) {
	room, err := f.DecodeRoom()
	if err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	if _, err := s.MarkRead(c.Context(), c, room); err != nil {
		s.sendError(c, f, err)
		return
	}
	s.sendOK(c, f)
}

// handleSignal routes call negotiation frames by room. The payload is
// forwarded byte for byte.
func (s *Server) handleSignal(c *Conn, f *protocol.Frame) {
	var ref protocol.RoomRef
	if err := f.Decode(&ref); err != nil {
		s.sendError(c, f, validationErr("Invalid data"))
		return
	}
	user, err := s.requireParticipant(c, ref.Room)
	if err != nil {
		s.sendError(c, f, err)
		return
	}

	data := json.RawMessage(f.Data)
	switch f.Event {
	case protocol.EventCallOffer:
		s.calls.Offer(c, user.Phone, ref.Room, data)
	case protocol.EventCallAnswer:
		s.calls.Answer(c, user.Phone, ref.Room, data)
	case protocol.EventICECandidate:
		s.calls.Candidate(c, user.Phone, ref.Room, data)
	case protocol.EventCallEnd:
		s.calls.End(c, ref.Room, data)
	}
	s.sendOK(c, f)
}
