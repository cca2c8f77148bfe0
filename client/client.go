// Package client speaks the warpchat event protocol over a websocket. It is
// used by command line tools and end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"warpchat/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

const (
	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// Handler receives the payload of a server event. Handlers run on the read
// goroutine in arrival order and must not block.
type Handler func(data json.RawMessage)

// Client represents a warpchat protocol client
type Client struct {
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[string][]Handler
	pending  map[uint64]chan json.RawMessage

	sendMu sync.Mutex
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

func NewClient() *Client {
	return &Client{
		handlers: make(map[string][]Handler),
		pending:  make(map[uint64]chan json.RawMessage),
		done:     make(chan struct{}),
	}
}

// Connect dials the websocket endpoint, e.g. ws://localhost:3001/ws.
func (c *Client) Connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}
	c.conn = conn
	c.connected.Store(true)
	go c.readLoop()
	return nil
}

// Close shuts the connection down. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.conn != nil {
			c.sendMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.sendMu.Unlock()
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// On registers a handler for a server event.
func (c *Client) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(raw)
		if err != nil {
			continue
		}
		if frame.Event == protocol.EventAck {
			c.resolve(frame.ID, frame.Data)
			continue
		}
		c.notifyHandlers(frame.Event, frame.Data)
	}
}

func (c *Client) resolve(id uint64, data json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- data
	}
}

func (c *Client) notifyHandlers(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (c *Client) write(frame *protocol.Frame) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, data any) error {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Request sends an event with a correlation id and waits for its ack. When
// out is not nil the ack payload is decoded into it.
func (c *Client) Request(ctx context.Context, event string, data, out any) error {
	frame, err := protocol.NewFrame(event, data)
	if err != nil {
		return err
	}
	frame.ID = atomic.AddUint64(&c.nextID, 1)

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[frame.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}

	select {
	case payload := <-ch:
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, phone, password string) (*protocol.Ack, error) {
	var ack protocol.Ack
	err := c.Request(ctx, protocol.EventRegister, protocol.RegisterRequest{
		Username: username,
		Phone:    phone,
		Password: password,
	}, &ack)
	return &ack, err
}

// Login binds this connection to an account.
func (c *Client) Login(ctx context.Context, phone, password string) (*protocol.LoginAck, error) {
	var ack protocol.LoginAck
	err := c.Request(ctx, protocol.EventLogin, protocol.LoginRequest{Phone: phone, Password: password}, &ack)
	return &ack, err
}

// StartChat opens the room shared with targetPhone. The room history
// arrives as a load_messages event before the ack.
func (c *Client) StartChat(ctx context.Context, targetPhone string) (*protocol.StartChatAck, error) {
	var ack protocol.StartChatAck
	err := c.Request(ctx, protocol.EventStartChat, protocol.StartChatRequest{TargetPhone: targetPhone}, &ack)
	return &ack, err
}

// SendMessage posts a message and returns the ack carrying its id.
func (c *Client) SendMessage(ctx context.Context, room, text, contentType string) (*protocol.SendMessageAck, error) {
	var ack protocol.SendMessageAck
	err := c.Request(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{
		Room:    room,
		Message: text,
		Type:    contentType,
	}, &ack)
	return &ack, err
}

// Call issues any acknowledged event and returns the generic ack.
func (c *Client) Call(ctx context.Context, event string, data any) (*protocol.Ack, error) {
	var ack protocol.Ack
	err := c.Request(ctx, event, data, &ack)
	return &ack, err
}
