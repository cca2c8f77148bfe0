package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpchat/models"
	"warpchat/protocol"
)

// openChat logs alice and bob in and subscribes both to their room.
func openChat(t *testing.T, srv *Server) (*Conn, *Conn) {
	t.Helper()
	ctx := context.Background()
	a := loginAs(t, srv, "alice", phoneA)
	b := loginAs(t, srv, "bob", phoneB)

	room, err := srv.StartChat(ctx, a, phoneB)
	require.NoError(t, err)
	require.Equal(t, roomAB, room)
	room, err = srv.StartChat(ctx, b, phoneA)
	require.NoError(t, err)
	require.Equal(t, roomAB, room)

	drain(a)
	drain(b)
	return a, b
}

func TestTwoPartyChat(t *testing.T) {
	srv, _ := setupTestServer(t)
	a, b := openChat(t, srv)

	srv.handleFrame(a, frame(t, protocol.EventSendMessage, 7, protocol.SendMessageRequest{
		Room:    roomAB,
		Author:  "spoofed",
		Message: "hi",
		Type:    models.TypeText,
	}))

	msg := decodeMessage(t, expectEvent(t, b, protocol.EventReceiveMessage))
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, "alice", msg.Author)
	assert.Equal(t, phoneA, msg.AuthorPhone)
	assert.NotEmpty(t, msg.Time)

	own := decodeMessage(t, nextFrame(t, a))
	assert.Equal(t, msg.ID, own.ID)

	ack := nextFrame(t, a)
	assert.Equal(t, protocol.EventAck, ack.Event)
	assert.Equal(t, uint64(7), ack.ID)
	var sendAck protocol.SendMessageAck
	require.NoError(t, json.Unmarshal(ack.Data, &sendAck))
	assert.Equal(t, protocol.StatusOK, sendAck.Status)
	assert.Equal(t, int64(1), sendAck.ID)
}

func TestSendMessageRoundTrip(t *testing.T) {
	srv, database := setupTestServer(t)
	a, _ := openChat(t, srv)
	ctx := context.Background()

	sent, err := srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAB, Message: "/uploads/x.png", Type: models.TypeImage, Time: "10:30"})
	require.NoError(t, err)

	history, err := database.GetMessagesForRoom(ctx, roomAB)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "/uploads/x.png", history[0].Content)
	assert.Equal(t, models.TypeImage, history[0].Type)
	assert.Equal(t, "alice", history[0].Author)
	assert.Equal(t, "10:30", history[0].Time)
	assert.Equal(t, models.StatusSent, history[0].Status)
}

func TestSendMessageReachesUnsubscribedSender(t *testing.T) {
	srv, _ := setupTestServer(t)
	a := loginAs(t, srv, "alice", phoneA)

	_, err := srv.SendMessage(context.Background(), a, protocol.SendMessageRequest{Room: roomAB, Message: "hello"})
	require.NoError(t, err)
	msg := decodeMessage(t, expectEvent(t, a, protocol.EventReceiveMessage))
	assert.Equal(t, models.TypeText, msg.Type)
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := setupTestServer(t)
	a, _ := openChat(t, srv)
	carol := loginAs(t, srv, "carol", phoneC)
	ctx := context.Background()

	_, err := srv.SendMessage(ctx, testConn(srv), protocol.SendMessageRequest{Room: roomAB, Message: "hi"})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = srv.SendMessage(ctx, carol, protocol.SendMessageRequest{Room: roomAB, Message: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAB, Message: "  "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAB, Message: "hi", Type: "sticker"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: "not-a-room", Message: "hi"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBroadcastOrderMatchesIDs(t *testing.T) {
	srv, _ := setupTestServer(t)
	a, b := openChat(t, srv)
	ctx := context.Background()

	const perSide = 10
	var wg sync.WaitGroup
	for _, c := range []*Conn{a, b} {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for i := 0; i < perSide; i++ {
				_, err := srv.SendMessage(ctx, c, protocol.SendMessageRequest{Room: roomAB, Message: "m"})
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	for _, c := range []*Conn{a, b} {
		var last int64
		frames := drain(c)
		require.Len(t, frames, 2*perSide)
		for _, f := range frames {
			msg := decodeMessage(t, f)
			assert.Greater(t, msg.ID, last)
			last = msg.ID
		}
	}
}

func TestDeleteMessage(t *testing.T) {
	srv, database := setupTestServer(t)
	a, b := openChat(t, srv)
	ctx := context.Background()

	msg, err := srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAB, Message: "oops"})
	require.NoError(t, err)
	drain(a)
	drain(b)

	err = srv.DeleteMessage(ctx, b, msg.ID, roomAB)
	assert.ErrorIs(t, err, ErrForbidden)

	err = srv.DeleteMessage(ctx, a, msg.ID+100, roomAB)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, srv.DeleteMessage(ctx, a, msg.ID, roomAB))
	for _, c := range []*Conn{a, b} {
		f := nextFrame(t, c)
		assert.Equal(t, protocol.EventMessageDeleted, f.Event)
		assert.JSONEq(t, "1", string(f.Data))
	}

	history, err := database.GetMessagesForRoom(ctx, roomAB)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeleteMessageFromOtherRoom(t *testing.T) {
	srv, _ := setupTestServer(t)
	a, _ := openChat(t, srv)
	loginAs(t, srv, "carol", phoneC)
	ctx := context.Background()

	roomAC, err := RoomKeyFor(phoneA, phoneC)
	require.NoError(t, err)
	msg, err := srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAC, Message: "hi carol"})
	require.NoError(t, err)

	err = srv.DeleteMessage(ctx, a, msg.ID, roomAB)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResetRoom(t *testing.T) {
	srv, database := setupTestServer(t)
	a, b := openChat(t, srv)
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := srv.SendMessage(ctx, a, protocol.SendMessageRequest{Room: roomAB, Message: text})
		require.NoError(t, err)
	}
	drain(a)
	drain(b)

	srv.handleFrame(b, frame(t, protocol.EventResetRoom, 0, roomAB))
	for _, c := range []*Conn{a, b} {
		f := nextFrame(t, c)
		assert.Equal(t, protocol.EventRoomReset, f.Event)
		assert.JSONEq(t, `{"room":"`+roomAB+`"}`, string(f.Data))
	}

	history, err := database.GetMessagesForRoom(ctx, roomAB)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFireAndForgetFailureEmitsError(t *testing.T) {
	srv, _ := setupTestServer(t)
	c := testConn(srv)

	srv.handleFrame(c, frame(t, protocol.EventSendMessage, 0, protocol.SendMessageRequest{Room: roomAB, Message: "hi"}))
	f := nextFrame(t, c)
	assert.Equal(t, protocol.EventError, f.Event)

	var notice protocol.ErrorNotice
	require.NoError(t, json.Unmarshal(f.Data, &notice))
	assert.Equal(t, protocol.EventSendMessage, notice.Event)
	assert.Equal(t, "unauthenticated", notice.Code)
}

func TestUnknownEvent(t *testing.T) {
	srv, _ := setupTestServer(t)
	c := testConn(srv)

	srv.handleFrame(c, frame(t, "dance", 3, nil))
	f := nextFrame(t, c)
	assert.Equal(t, protocol.EventAck, f.Event)
	assert.Equal(t, uint64(3), f.ID)

	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	assert.Equal(t, protocol.StatusError, ack.Status)
	assert.Equal(t, "validation_error", ack.Code)
}
