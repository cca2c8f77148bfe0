package server

import (
	"context"

	jww "github.com/spf13/jwalterweatherman"

	"warpchat/models"
	"warpchat/protocol"
)

// StartChat subscribes c to the room it shares with target and sends the
// room history to c. Calling it again for the same room only resends the
// history.
func (s *Server) StartChat(ctx context.Context, c *Conn, target string) (string, error) {
	user, err := s.requireIdentity(c)
	if err != nil {
		return "", err
	}
	room, err := RoomKeyFor(user.Phone, target)
	if err != nil {
		return "", err
	}
	if err := s.enterRoom(ctx, c, user, room); err != nil {
		return "", err
	}
	jww.INFO.Printf("User %s joined chat in room %s", user.Phone, room)
	return room, nil
}

// JoinRoom resubscribes c to a room it already knows the key of, typically
// after a reconnect.
func (s *Server) JoinRoom(ctx context.Context, c *Conn, room string) error {
	user, err := s.requireParticipant(c, room)
	if err != nil {
		return err
	}
	return s.enterRoom(ctx, c, user, room)
}

// enterRoom runs under the room lock so that no message lands between the
// history snapshot and the subscription.
func (s *Server) enterRoom(ctx context.Context, c *Conn, user *models.User, room string) error {
	unlock := s.rooms.Lock(room)
	defer unlock()

	messages, err := s.store.GetMessagesForRoom(ctx, room)
	if err != nil {
		jww.ERROR.Printf("Failed to load messages for %s: %v", room, err)
		return persistErr(err, "load messages")
	}
	c.Emit(protocol.EventLoadMessages, messages)
	s.calls.Join(room, c, user.Phone)
	return nil
}

// RecentChats lists the rooms of the identity of c, newest first.
func (s *Server) RecentChats(ctx context.Context, c *Conn) ([]models.RecentChat, error) {
	user, err := s.requireIdentity(c)
	if err != nil {
		return nil, err
	}
	chats, err := s.store.GetRecentChats(ctx, user.Phone)
	if err != nil {
		return nil, persistErr(err, "recent chats")
	}
	return chats, nil
}
