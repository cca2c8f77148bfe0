package server

import (
	"strings"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"warpchat/db"
	"warpchat/models"
	"warpchat/protocol"
)

// RoomKeyFor returns the canonical key of the room shared by a and b. The
// key is the same whichever side asks.
func RoomKeyFor(a, b string) (string, error) {
	pa, err := models.NormalizePhone(a)
	if err != nil {
		return "", ErrInvalidTarget
	}
	pb, err := models.NormalizePhone(b)
	if err != nil {
		return "", ErrInvalidTarget
	}
	if pa == pb {
		return "", ErrInvalidTarget
	}
	if pb < pa {
		pa, pb = pb, pa
	}
	return pa + db.RoomSeparator + pb, nil
}

// ParseRoomKey splits a canonical room key into its two phones.
func ParseRoomKey(key string) (string, string, error) {
	parts := strings.Split(key, db.RoomSeparator)
	if len(parts) != 2 {
		return "", "", validationErr("Malformed room key")
	}
	canonical, err := RoomKeyFor(parts[0], parts[1])
	if err != nil || canonical != key {
		return "", "", validationErr("Malformed room key")
	}
	return parts[0], parts[1], nil
}

// peerOf returns the other participant of room, or an error when phone is
// not one of its two participants.
func peerOf(room, phone string) (string, error) {
	a, b, err := ParseRoomKey(room)
	if err != nil {
		return "", err
	}
	switch phone {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", ErrForbidden
}

// RoomManager holds room subscriptions. Rooms exist implicitly through
// their key and are never created or destroyed explicitly.
type RoomManager struct {
	mu     sync.RWMutex
	subs   map[string]map[*Conn]struct{}
	joined map[*Conn]map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

// roomLock is removed from RoomManager.locks once nobody holds or waits
// for it.
type roomLock struct {
	sync.Mutex
	refs int
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		subs:   make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
		locks:  make(map[string]*roomLock),
	}
}

// Subscribe adds c to room. It reports false when c was already in it.
func (m *RoomManager) Subscribe(room string, c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.subs[room]
	if !ok {
		members = make(map[*Conn]struct{})
		m.subs[room] = members
	}
	if _, ok := members[c]; ok {
		return false
	}
	members[c] = struct{}{}

	rooms, ok := m.joined[c]
	if !ok {
		rooms = make(map[string]struct{})
		m.joined[c] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

func (m *RoomManager) Unsubscribe(room string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(room, c)
}

func (m *RoomManager) unsubscribeLocked(room string, c *Conn) {
	if members, ok := m.subs[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(m.subs, room)
		}
	}
	if rooms, ok := m.joined[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.joined, c)
		}
	}
}

// RemoveConn drops every subscription of c and returns the rooms it was in.
func (m *RoomManager) RemoveConn(c *Conn) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rooms []string
	for room := range m.joined[c] {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		m.unsubscribeLocked(room, c)
	}
	return rooms
}

func (m *RoomManager) IsSubscribed(room string, c *Conn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[room][c]
	return ok
}

// Subscribers returns a snapshot of the connections in room.
func (m *RoomManager) Subscribers(room string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Conn, 0, len(m.subs[room]))
	for c := range m.subs[room] {
		conns = append(conns, c)
	}
	return conns
}

// RoomCount is the number of rooms with at least one subscriber.
func (m *RoomManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Lock serializes mutations of one room. Holding it across persistence and
// broadcast keeps delivery order equal to id order within the room.
func (m *RoomManager) Lock(room string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[room]
	if !ok {
		l = &roomLock{}
		m.locks[room] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, room)
		}
		m.locksMu.Unlock()
	}
}

// Broadcast sends event to every subscriber of room except the given
// connection and returns how many connections accepted it. Closed
// connections are skipped.
func (m *RoomManager) Broadcast(room, event string, data any, except *Conn) int {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		jww.ERROR.Printf("Failed to encode %s for room %s: %v", event, room, err)
		return 0
	}

	delivered := 0
	for _, c := range m.Subscribers(room) {
		if c == except {
			continue
		}
		if c.emitFrame(frame) {
			delivered++
		}
	}
	return delivered
}
