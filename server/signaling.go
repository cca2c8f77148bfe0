package server

import (
	"encoding/json"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"warpchat/protocol"
)

// CallState is the per-room progress of a call negotiation.
type CallState int

const (
	CallIdle CallState = iota
	CallOffered
	CallAnswered
)

func (s CallState) String() string {
	switch s {
	case CallOffered:
		return "offered"
	case CallAnswered:
		return "answered"
	}
	return "idle"
}

const (
	// maxQueuedCandidates bounds the candidates kept for a late subscriber.
	maxQueuedCandidates = 64
	// ringTimeout is how long an unanswered offer is replayed.
	ringTimeout = 45 * time.Second
)

type pendingCall struct {
	state      CallState
	offerer    string
	offerConn  *Conn
	offeredAt  time.Time
	offer      json.RawMessage
	candidates []json.RawMessage
}

func (p *pendingCall) expired(now time.Time) bool {
	return p.state == CallOffered && now.Sub(p.offeredAt) > ringTimeout
}

// CallRelay forwards call negotiation payloads between the two sides of a
// room without inspecting them. It remembers an unanswered offer and the
// offerer's candidates so that a participant subscribing later still
// receives them, in order.
type CallRelay struct {
	rooms *RoomManager

	mu    sync.Mutex
	calls map[string]*pendingCall
}

func NewCallRelay(rooms *RoomManager) *CallRelay {
	return &CallRelay{
		rooms: rooms,
		calls: make(map[string]*pendingCall),
	}
}

func (r *CallRelay) State(room string) CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call, ok := r.lookup(room); ok {
		return call.state
	}
	return CallIdle
}

// lookup returns the call of room, discarding an offer nobody answered
// within ringTimeout. r.mu must be held.
func (r *CallRelay) lookup(room string) (*pendingCall, bool) {
	call, ok := r.calls[room]
	if !ok {
		return nil, false
	}
	if call.expired(time.Now()) {
		delete(r.calls, room)
		return nil, false
	}
	return call, true
}

// Offer records a new offer from phone and relays it. A newer offer
// replaces any call in progress.
func (r *CallRelay) Offer(c *Conn, phone, room string, data json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[room] = &pendingCall{
		state:     CallOffered,
		offerer:   phone,
		offerConn: c,
		offeredAt: time.Now(),
		offer:     data,
	}
	return r.rooms.Broadcast(room, protocol.EventCallOffer, data, c)
}

// Answer relays an answer and moves a pending offer to Answered. Answers
// are relayed even without a matching offer: when both sides offer at once
// the later offer replaces the earlier one, and the answer to the earlier
// offer must still reach its peer.
func (r *CallRelay) Answer(c *Conn, phone, room string, data json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.lookup(room)
	switch {
	case !ok || call.state != CallOffered:
		jww.WARN.Printf("Answer from %s in %s has no pending offer", phone, room)
	case call.offerer == phone:
		jww.WARN.Printf("Answer from %s in %s crosses its own offer", phone, room)
	}
	if ok && call.state == CallOffered {
		call.state = CallAnswered
		call.candidates = nil
	}
	return r.rooms.Broadcast(room, protocol.EventCallAnswer, data, c)
}

// Candidate relays a connectivity candidate immediately. While the offer is
// unanswered the offerer's candidates are also queued for replay.
func (r *CallRelay) Candidate(c *Conn, phone, room string, data json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if call, ok := r.lookup(room); ok && call.state == CallOffered && call.offerer == phone {
		if len(call.candidates) < maxQueuedCandidates {
			call.candidates = append(call.candidates, data)
		}
	}
	return r.rooms.Broadcast(room, protocol.EventICECandidate, data, c)
}

// End discards the call state of room and relays the hangup.
func (r *CallRelay) End(c *Conn, room string, data json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.calls, room)
	return r.rooms.Broadcast(room, protocol.EventCallEnd, data, c)
}

// Join subscribes c to room and replays a pending offer with its queued
// candidates when phone is the side being called and the offer is still
// ringing. Subscription and replay happen under the relay lock so an offer
// is never delivered twice.
func (r *CallRelay) Join(room string, c *Conn, phone string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.rooms.Subscribe(room, c) {
		return
	}
	call, ok := r.lookup(room)
	if !ok || call.state != CallOffered || call.offerer == phone {
		return
	}
	c.Emit(protocol.EventCallOffer, call.offer)
	for _, candidate := range call.candidates {
		c.Emit(protocol.EventICECandidate, candidate)
	}
}

// DropConn discards the calls offered through c and the calls of the rooms
// c was subscribed to. A callee that never joined the room keeps getting
// the offer until it stops ringing.
func (r *CallRelay) DropConn(c *Conn, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range rooms {
		delete(r.calls, room)
	}
	for room, call := range r.calls {
		if call.offerConn == c {
			delete(r.calls, room)
		}
	}
}
