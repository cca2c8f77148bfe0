package server

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"warpchat/protocol"
)

// Typing relays a typing indicator of c to the other subscribers of room.
// Indicators are ephemeral and never stored.
func (s *Server) Typing(c *Conn, room string, active bool) error {
	user, err := s.requireParticipant(c, room)
	if err != nil {
		return err
	}
	event := protocol.EventUserStopTyping
	if active {
		event = protocol.EventUserTyping
	}
	s.rooms.Broadcast(room, event, protocol.Typing{Room: room, Phone: user.Phone}, c)
	return nil
}

// MarkRead marks every message of room not authored by the identity of c
// as read and tells the other side. Calling it again with nothing unread
// changes nothing and sends nothing.
func (s *Server) MarkRead(ctx context.Context, c *Conn, room string) (int64, error) {
	user, err := s.requireParticipant(c, room)
	if err != nil {
		return 0, err
	}

	n, err := s.store.MarkRoomRead(ctx, room, user.Phone, time.Now().UTC())
	if err != nil {
		jww.ERROR.Printf("Failed to mark %s read for %s: %v", room, user.Phone, err)
		return 0, persistErr(err, "mark read")
	}
	if n > 0 {
		s.rooms.Broadcast(room, protocol.EventMessagesReadUpdate, protocol.ReadUpdate{Room: room, ReadBy: user.Phone}, c)
	}
	return n, nil
}
