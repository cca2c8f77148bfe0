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

// Register creates a new identity. It does not bind the connection.
func (s *Server) Register(ctx context.Context, req protocol.RegisterRequest) error {
	phone, err := models.NormalizePhone(req.Phone)
	if err != nil {
		return validationErr("Invalid phone number format")
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return validationErr("Username and password are required")
	}

	if err := s.store.CreateUser(ctx, username, phone, req.Password); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return ErrDuplicateIdentity
		}
		jww.ERROR.Printf("Register error for %s: %v", phone, err)
		return persistErr(err, "create user")
	}
	jww.INFO.Printf("Registered %s", phone)
	return nil
}

// Authenticate verifies credentials and binds c to the identity. The new
// connection becomes the presence entry of the identity and everybody is
// told it is online. Nothing changes on failure.
func (s *Server) Authenticate(ctx context.Context, c *Conn, phone, password string) (*models.User, error) {
	normalized, err := models.NormalizePhone(phone)
	if err != nil {
		return nil, validationErr("Invalid phone number format")
	}
	if password == "" {
		return nil, validationErr("Password is required")
	}

	user, err := s.store.AuthenticateUser(ctx, normalized, password)
	if err != nil {
		jww.ERROR.Printf("Auth error for %s: %v", normalized, err)
		return nil, persistErr(err, "authenticate")
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	released, err := s.sessions.Bind(c, user)
	if err != nil {
		return nil, err
	}
	if released != nil {
		s.markOffline(released.Phone)
	}

	if err := s.store.UpdateLastOnline(ctx, user.Phone, time.Now().UTC()); err != nil {
		jww.WARN.Printf("Failed to update last_online for %s: %v", user.Phone, err)
	}
	s.broadcastPresence(user.Phone, true)
	jww.INFO.Printf("Client %s authenticated from %s", user.Phone, c.RemoteAddr)

	bound, _ := s.sessions.CurrentIdentity(c)
	return bound, nil
}

// UpdateProfile stores a new avatar reference. Messages sent afterwards
// carry the new avatar; stored messages keep their snapshot.
func (s *Server) UpdateProfile(ctx context.Context, c *Conn, avatar string) error {
	user, err := s.requireIdentity(c)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserAvatar(ctx, user.Phone, avatar); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return tagged(ErrNotFound, "User not found")
		}
		return persistErr(err, "update avatar")
	}
	s.sessions.SetAvatar(user.Phone, avatar)
	return nil
}

// Presence reports whether phone is online and, when it is not, when it was
// last seen.
func (s *Server) Presence(ctx context.Context, c *Conn, phone string) (*protocol.PresenceAck, error) {
	if _, err := s.requireIdentity(c); err != nil {
		return nil, err
	}
	normalized, err := models.NormalizePhone(phone)
	if err != nil {
		return nil, validationErr("Invalid phone number format")
	}

	ack := &protocol.PresenceAck{
		Status:   protocol.StatusOK,
		Phone:    normalized,
		IsOnline: s.sessions.IsOnline(normalized),
	}
	if ack.IsOnline {
		return ack, nil
	}
	seen, err := s.store.LastSeen(ctx, normalized)
	switch {
	case errors.Is(err, db.ErrNoRows):
		return nil, tagged(ErrNotFound, "User not found")
	case err != nil:
		return nil, persistErr(err, "last seen")
	}
	if !seen.IsZero() {
		ack.LastSeen = seen.UTC().Format(time.RFC3339)
	}
	return ack, nil
}

// SubscribePush stores a push subscription for the identity of c.
func (s *Server) SubscribePush(ctx context.Context, c *Conn, req protocol.PushSubscribeRequest) error {
	user, err := s.requireIdentity(c)
	if err != nil {
		return err
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return validationErr("Incomplete push subscription")
	}
	sub := &models.PushSubscription{
		Phone:    user.Phone,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := s.store.SavePushSubscription(ctx, sub); err != nil {
		return persistErr(err, "save push subscription")
	}
	return nil
}

// disconnect releases everything held by c. It is safe to call more than
// once.
func (s *Server) disconnect(c *Conn) {
	user, offline := s.sessions.Release(c)
	rooms := s.rooms.RemoveConn(c)
	s.calls.DropConn(c, rooms)
	c.close()

	if user == nil {
		jww.INFO.Printf("Client disconnected from %s", c.RemoteAddr)
		return
	}
	if offline {
		s.markOffline(user.Phone)
	}
	jww.INFO.Printf("Client %s disconnected from %s", user.Phone, c.RemoteAddr)
}

func (s *Server) markOffline(phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateLastOffline(ctx, phone, time.Now().UTC()); err != nil {
		jww.WARN.Printf("Failed to update last_offline for %s: %v", phone, err)
	}
	// A login may have completed while the store was written.
	if s.sessions.IsOnline(phone) {
		return
	}
	s.broadcastPresence(phone, false)
}

// broadcastPresence tells every live connection about phone.
func (s *Server) broadcastPresence(phone string, online bool) {
	frame, err := protocol.NewFrame(protocol.EventUserPresence, protocol.Presence{Phone: phone, IsOnline: online})
	if err != nil {
		jww.ERROR.Printf("Failed to encode presence: %v", err)
		return
	}
	for _, c := range s.sessions.Conns() {
		c.emitFrame(frame)
	}
}
