package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"warpchat/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. Must be less than the read timeout.
	minPingPeriod = time.Second

	// Maximum frame size allowed from peer. Avatars travel as data URLs.
	maxFrameSize = 2 << 20

	sendBufferSize = 256
)

// Conn is one live websocket connection. All writes go through the send
// channel so that a single goroutine owns the socket writer.
type Conn struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	ws   *websocket.Conn
	send chan *protocol.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, remoteAddr string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		ws:         ws,
		send:       make(chan *protocol.Frame, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context is cancelled when the connection goes away.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Emit queues an event for the peer. It reports false when the connection
// is already closed or its buffer is full, in which case the connection is
// dropped.
func (c *Conn) Emit(event string, data any) bool {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		jww.ERROR.Printf("Failed to encode %s for %s: %v", event, c.ID, err)
		return false
	}
	return c.emitFrame(frame)
}

func (c *Conn) emitFrame(frame *protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		jww.WARN.Printf("Send buffer full for %s, dropping connection", c.ID)
		c.closeLocked()
		return false
	}
}

func (c *Conn) ack(id uint64, data any) {
	if id == 0 {
		return
	}
	frame, err := protocol.NewAck(id, data)
	if err != nil {
		jww.ERROR.Printf("Failed to encode ack for %s: %v", c.ID, err)
		return
	}
	c.emitFrame(frame)
}

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

// readPump reads frames from the websocket and hands them to the server.
// Frames of one connection are handled in arrival order.
func (c *Conn) readPump(s *Server) {
	defer func() {
		s.disconnect(c)
		c.ws.Close()
	}()

	pongWait := s.config.ReadTimeout
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				jww.WARN.Printf("Error reading from %s: %v", c.RemoteAddr, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := protocol.ParseFrame(raw)
		if err != nil {
			jww.DEBUG.Printf("Parse error from %s: %v", c.RemoteAddr, err)
			c.Emit(protocol.EventError, protocol.ErrorNotice{Message: "Invalid frame format", Code: "validation_error"})
			continue
		}
		s.handleFrame(c, frame)
	}
}

// writePump is the only writer of the websocket.
func (c *Conn) writePump(s *Server) {
	pingPeriod := (s.config.ReadTimeout * 9) / 10
	if pingPeriod < minPingPeriod {
		pingPeriod = minPingPeriod
	}
	wait := s.config.WriteTimeout
	if wait <= 0 {
		wait = writeWait
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				jww.DEBUG.Printf("Error writing to %s: %v", c.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
