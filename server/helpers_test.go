package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warpchat/db"
	"warpchat/models"
	"warpchat/protocol"
)

const (
	phoneA = "9876543210"
	phoneB = "9123456789"
	phoneC = "7000000001"
	roomAB = "9123456789_9876543210"
)

const frameTimeout = 2 * time.Second

// setupTestServer creates a server backed by a database in the test temp dir
func setupTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	dir := t.TempDir()

	database, err := db.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	srv, err := New(database, &ServerConfig{
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		UploadDir:      filepath.Join(dir, "uploads"),
		UploadMaxBytes: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.uploads.Close() })
	return srv, database
}

// testConn is a connection without a socket; frames stay in its buffer.
func testConn(srv *Server) *Conn {
	c := newConn(nil, "test")
	if srv != nil {
		srv.sessions.Open(c)
	}
	return c
}

// loginAs registers and authenticates a user on a fresh test connection.
func loginAs(t *testing.T, srv *Server, username, phone string) *Conn {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, srv.Register(ctx, protocol.RegisterRequest{Username: username, Phone: phone, Password: "secret"}))
	c := testConn(srv)
	_, err := srv.Authenticate(ctx, c, phone, "secret")
	require.NoError(t, err)
	drain(c)
	return c
}

// nextFrame returns the next queued frame of c.
func nextFrame(t *testing.T, c *Conn) *protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-c.send:
		require.True(t, ok, "connection closed")
		return f
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

// expectEvent skips frames until one with the given event arrives.
func expectEvent(t *testing.T, c *Conn, event string) *protocol.Frame {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case f, ok := <-c.send:
			require.True(t, ok, "connection closed while waiting for %s", event)
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
			return nil
		}
	}
}

// drain discards every queued frame of c and returns them.
func drain(c *Conn) []*protocol.Frame {
	var frames []*protocol.Frame
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func eventsOf(frames []*protocol.Frame) []string {
	events := make([]string, 0, len(frames))
	for _, f := range frames {
		events = append(events, f.Event)
	}
	return events
}

func decodeMessage(t *testing.T, f *protocol.Frame) models.Message {
	t.Helper()
	var msg models.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	return msg
}

func frame(t *testing.T, event string, id uint64, data any) *protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(event, data)
	require.NoError(t, err)
	f.ID = id
	return f
}
