package server

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"warpchat/db"
	"warpchat/models"
	"warpchat/protocol"
)

// requireIdentity returns the identity bound to c.
func (s *Server) requireIdentity(c *Conn) (*models.User, error) {
	user, ok := s.sessions.CurrentIdentity(c)
	if !ok {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// requireParticipant checks that user is one of the two sides of room.
func (s *Server) requireParticipant(c *Conn, room string) (*models.User, error) {
	user, err := s.requireIdentity(c)
	if err != nil {
		return nil, err
	}
	if _, err := peerOf(room, user.Phone); err != nil {
		return nil, err
	}
	return user, nil
}

// SendMessage persists a message authored by the identity of c and fans it
// out to every subscriber of the room, the sender included. Persistence and
// broadcast run under the room lock, so subscribers see messages in id
// order. Nothing is broadcast when persistence fails.
func (s *Server) SendMessage(ctx context.Context, c *Conn, req protocol.SendMessageRequest) (*models.Message, error) {
	user, err := s.requireParticipant(c, req.Room)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, validationErr("message content is empty")
	}
	msgType := req.Type
	if msgType == "" {
		msgType = models.TypeText
	}
	if !models.ValidContentType(msgType) {
		return nil, validationErr("unknown message type")
	}
	sentAt := req.Time
	if sentAt == "" {
		sentAt = time.Now().UTC().Format(time.RFC3339)
	}

	msg := &models.Message{
		Room:        req.Room,
		Author:      user.Username,
		AuthorPhone: user.Phone,
		Content:     req.Message,
		Type:        msgType,
		Time:        sentAt,
		Avatar:      user.Avatar,
	}

	unlock := s.rooms.Lock(req.Room)
	if _, err := s.store.SaveMessage(ctx, msg); err != nil {
		unlock()
		jww.ERROR.Printf("Failed to save message in %s: %v", req.Room, err)
		return nil, persistErr(err, "save message")
	}
	s.rooms.Broadcast(req.Room, protocol.EventReceiveMessage, msg, nil)
	if !s.rooms.IsSubscribed(req.Room, c) {
		c.Emit(protocol.EventReceiveMessage, msg)
	}
	unlock()

	jww.DEBUG.Printf("Message %d from %s in %s", msg.ID, user.Phone, req.Room)
	s.notifyOffline(req.Room, user, msg)
	return msg, nil
}

// DeleteMessage removes a message of room. Only its author may delete it.
func (s *Server) DeleteMessage(ctx context.Context, c *Conn, id int64, room string) error {
	user, err := s.requireParticipant(c, room)
	if err != nil {
		return err
	}

	unlock := s.rooms.Lock(room)
	defer unlock()

	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, db.ErrNoRows) {
		return tagged(ErrNotFound, "Message not found")
	}
	if err != nil {
		return persistErr(err, "load message")
	}
	if msg.Room != room {
		return tagged(ErrNotFound, "Message not found")
	}
	if !authoredBy(msg, user) {
		return tagged(ErrForbidden, "Only the author can delete a message")
	}

	if err := s.store.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return tagged(ErrNotFound, "Message not found")
		}
		return persistErr(err, "delete message")
	}
	s.rooms.Broadcast(room, protocol.EventMessageDeleted, id, nil)
	jww.INFO.Printf("Message %d deleted by %s in %s", id, user.Phone, room)
	return nil
}

// authoredBy falls back to the display name for rows stored before author
// phones were recorded.
func authoredBy(msg *models.Message, user *models.User) bool {
	if msg.AuthorPhone != "" {
		return msg.AuthorPhone == user.Phone
	}
	return msg.Author == user.Username
}

// ResetRoom deletes the whole history of room and notifies its subscribers.
func (s *Server) ResetRoom(ctx context.Context, c *Conn, room string) error {
	user, err := s.requireParticipant(c, room)
	if err != nil {
		return err
	}

	unlock := s.rooms.Lock(room)
	defer unlock()

	n, err := s.store.ResetRoom(ctx, room)
	if err != nil {
		return persistErr(err, "reset room")
	}
	s.rooms.Broadcast(room, protocol.EventRoomReset, protocol.RoomResetNotice{Room: room}, nil)
	jww.INFO.Printf("Room %s reset by %s (%d messages)", room, user.Phone, n)
	return nil
}
