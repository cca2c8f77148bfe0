package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpchat/protocol"
)

// echoServer acks every frame that has an id with its own payload and
// answers "ping" events with a "pong" push. "silent" is never acked and
// "hangup" drops the connection.
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f protocol.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch {
			case f.Event == "ping":
				conn.WriteJSON(protocol.Frame{Event: "pong", Data: f.Data})
			case f.Event == "hangup":
				return
			case f.Event == "silent":
			case f.ID != 0:
				conn.WriteJSON(protocol.Frame{Event: protocol.EventAck, ID: f.ID, Data: f.Data})
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connect(t *testing.T) *Client {
	t.Helper()
	c := NewClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, echoServer(t)))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRequestWaitsForMatchingAck(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ack protocol.Ack
	require.NoError(t, c.Request(ctx, "anything", protocol.Ack{Status: protocol.StatusOK, Message: "first"}, &ack))
	assert.Equal(t, "first", ack.Message)

	require.NoError(t, c.Request(ctx, "anything", protocol.Ack{Status: protocol.StatusOK, Message: "second"}, &ack))
	assert.Equal(t, "second", ack.Message)
}

func TestHandlersReceivePushes(t *testing.T) {
	c := connect(t)
	got := make(chan json.RawMessage, 1)
	c.On("pong", func(data json.RawMessage) { got <- data })

	require.NoError(t, c.Emit("ping", map[string]string{"room": "r"}))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"room":"r"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("no pong")
	}
}

func TestRequestFailsWhenConnectionDrops(t *testing.T) {
	c := connect(t)
	require.NoError(t, c.Emit("hangup", nil))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	assert.False(t, c.IsConnected())

	err := c.Request(context.Background(), "anything", nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Emit("ping", nil), ErrNotConnected)
}

func TestRequestHonoursContext(t *testing.T) {
	c := connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Request(ctx, "silent", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.IsConnected())
}
