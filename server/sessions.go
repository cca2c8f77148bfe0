package server

import (
	"sort"
	"sync"
	"time"

	"warpchat/models"
)

// Session is the per-connection state. Identity stays nil until the
// connection registers or logs in.
type Session struct {
	Conn      *Conn
	Identity  *models.User
	CreatedAt time.Time
}

// SessionRegistry tracks live connections and which connection currently
// represents each identity. Only the latest login of a phone is present in
// the presence table; an older connection of the same phone keeps working
// but its disconnect does not flip the phone offline.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	presence map[string]*Conn
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		presence: make(map[string]*Conn),
	}
}

// Open registers a new unauthenticated connection.
func (r *SessionRegistry) Open(c *Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := &Session{Conn: c, CreatedAt: time.Now()}
	r.sessions[c.ID] = sess
	return sess
}

// Bind attaches user to the session of c and makes c the presence entry of
// the user's phone. When c was bound to a different identity before, that
// identity is returned if it lost its presence entry as a result.
func (r *SessionRegistry) Bind(c *Conn, user *models.User) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[c.ID]
	if !ok {
		return nil, ErrNotFound
	}

	var released *models.User
	if prev := sess.Identity; prev != nil && prev.Phone != user.Phone {
		if r.presence[prev.Phone] == c {
			delete(r.presence, prev.Phone)
			released = prev
		}
	}

	bound := *user
	bound.Password = ""
	sess.Identity = &bound
	r.presence[user.Phone] = c
	return released, nil
}

// Release forgets c. The returned identity is non-nil when c was
// authenticated, and offline is true when c was the presence entry of that
// identity. Releasing an unknown connection is a no-op.
func (r *SessionRegistry) Release(c *Conn) (user *models.User, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[c.ID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, c.ID)
	if sess.Identity == nil {
		return nil, false
	}
	if r.presence[sess.Identity.Phone] == c {
		delete(r.presence, sess.Identity.Phone)
		offline = true
	}
	return sess.Identity, offline
}

// CurrentIdentity returns a copy of the identity bound to c.
func (r *SessionRegistry) CurrentIdentity(c *Conn) (*models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[c.ID]
	if !ok || sess.Identity == nil {
		return nil, false
	}
	user := *sess.Identity
	return &user, true
}

// SetAvatar updates the avatar of every session bound to phone.
func (r *SessionRegistry) SetAvatar(phone, avatar string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.Identity != nil && sess.Identity.Phone == phone {
			sess.Identity.Avatar = avatar
		}
	}
}

func (r *SessionRegistry) IsOnline(phone string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.presence[phone]
	return ok
}

// OnlinePhones returns the phones with a presence entry, sorted.
func (r *SessionRegistry) OnlinePhones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phones := make([]string, 0, len(r.presence))
	for phone := range r.presence {
		phones = append(phones, phone)
	}
	sort.Strings(phones)
	return phones
}

// Conns returns a snapshot of all live connections.
func (r *SessionRegistry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.sessions))
	for _, sess := range r.sessions {
		conns = append(conns, sess.Conn)
	}
	return conns
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
