package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warpchat/models"
)

const (
	phoneA = "9876543210"
	phoneB = "9123456789"
	phoneC = "7000000001"
	roomAB = phoneB + RoomSeparator + phoneA
)

// setupTestDB opens a fresh database in the test temp dir
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func textMessage(room, author, authorPhone, content string) *models.Message {
	return &models.Message{
		Room:        room,
		Author:      author,
		AuthorPhone: authorPhone,
		Content:     content,
		Type:        models.TypeText,
		Time:        "12:00",
	}
}

func TestCreateAndAuthenticateUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateUser(ctx, "alice", phoneA, "secret"))

	err := db.CreateUser(ctx, "alice again", phoneA, "other")
	assert.ErrorIs(t, err, ErrDuplicate)

	user, err := db.AuthenticateUser(ctx, phoneA, "secret")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, phoneA, user.Phone)
	assert.NotEqual(t, "secret", user.Password)

	user, err = db.AuthenticateUser(ctx, phoneA, "wrong")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = db.AuthenticateUser(ctx, phoneB, "secret")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestUpdateUserAvatar(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, "alice", phoneA, "secret"))

	require.NoError(t, db.UpdateUserAvatar(ctx, phoneA, "/uploads/a.png"))
	user, err := db.GetUser(ctx, phoneA)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/a.png", user.Avatar)

	assert.ErrorIs(t, db.UpdateUserAvatar(ctx, phoneB, "x"), ErrNoRows)
}

func TestLastSeen(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, "alice", phoneA, "secret"))

	later := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, db.UpdateLastOffline(ctx, phoneA, later))

	seen, err := db.LastSeen(ctx, phoneA)
	require.NoError(t, err)
	assert.True(t, seen.Equal(later))

	_, err = db.LastSeen(ctx, phoneB)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestSaveAndLoadMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := textMessage(roomAB, "alice", phoneA, "hi")
	first.Avatar = "/uploads/a.png"
	id, err := db.SaveMessage(ctx, first)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.Equal(t, models.StatusSent, first.Status)

	second := textMessage(roomAB, "bob", phoneB, "hello")
	id2, err := db.SaveMessage(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, id2, id)

	other := textMessage(phoneC+RoomSeparator+phoneA, "alice", phoneA, "elsewhere")
	_, err = db.SaveMessage(ctx, other)
	require.NoError(t, err)

	msgs, err := db.GetMessagesForRoom(ctx, roomAB)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "alice", msgs[0].Author)
	assert.Equal(t, models.TypeText, msgs[0].Type)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Equal(t, "/uploads/a.png", msgs[0].Avatar)
	assert.Nil(t, msgs[0].ReadAt)
	assert.Equal(t, "hello", msgs[1].Content)

	empty, err := db.GetMessagesForRoom(ctx, "nobody_here")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestDeleteMessageAndResetRoom(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := textMessage(roomAB, "alice", phoneA, "hi")
	_, err := db.SaveMessage(ctx, m)
	require.NoError(t, err)
	_, err = db.SaveMessage(ctx, textMessage(roomAB, "bob", phoneB, "yo"))
	require.NoError(t, err)

	require.NoError(t, db.DeleteMessage(ctx, m.ID))
	assert.ErrorIs(t, db.DeleteMessage(ctx, m.ID), ErrNoRows)
	_, err = db.GetMessage(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNoRows)

	n, err := db.ResetRoom(ctx, roomAB)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msgs, err := db.GetMessagesForRoom(ctx, roomAB)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkRoomReadIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	fromA := textMessage(roomAB, "alice", phoneA, "one")
	_, err := db.SaveMessage(ctx, fromA)
	require.NoError(t, err)
	_, err = db.SaveMessage(ctx, textMessage(roomAB, "alice", phoneA, "two"))
	require.NoError(t, err)
	fromB := textMessage(roomAB, "bob", phoneB, "three")
	_, err = db.SaveMessage(ctx, fromB)
	require.NoError(t, err)

	n, err := db.MarkRoomRead(ctx, roomAB, phoneB, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = db.MarkRoomRead(ctx, roomAB, phoneB, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := db.GetMessage(ctx, fromA.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.NotNil(t, got.ReadAt)

	own, err := db.GetMessage(ctx, fromB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, own.Status)
}

func TestGetRecentChats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateUser(ctx, "alice", phoneA, "pw"))
	require.NoError(t, db.CreateUser(ctx, "bob", phoneB, "pw"))
	require.NoError(t, db.CreateUser(ctx, "carol", phoneC, "pw"))
	require.NoError(t, db.UpdateUserAvatar(ctx, phoneB, "/uploads/bob.png"))

	roomAC := phoneC + RoomSeparator + phoneA
	_, err := db.SaveMessage(ctx, textMessage(roomAB, "bob", phoneB, "first"))
	require.NoError(t, err)
	_, err = db.SaveMessage(ctx, textMessage(roomAC, "carol", phoneC, "from carol"))
	require.NoError(t, err)
	_, err = db.SaveMessage(ctx, textMessage(roomAB, "bob", phoneB, "latest"))
	require.NoError(t, err)

	chats, err := db.GetRecentChats(ctx, phoneA)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	assert.Equal(t, roomAB, chats[0].Room)
	assert.Equal(t, phoneB, chats[0].PeerPhone)
	assert.Equal(t, "bob", chats[0].PeerName)
	assert.Equal(t, "/uploads/bob.png", chats[0].PeerAvatar)
	assert.Equal(t, "latest", chats[0].LastMessage)
	assert.Equal(t, 2, chats[0].Unread)

	assert.Equal(t, roomAC, chats[1].Room)
	assert.Equal(t, "carol", chats[1].PeerName)

	chats, err = db.GetRecentChats(ctx, phoneB)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, phoneA, chats[0].PeerPhone)
	assert.Zero(t, chats[0].Unread)
}

func TestPushSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sub := &models.PushSubscription{Phone: phoneA, Endpoint: "https://push.example/1", P256dh: "k", Auth: "a"}
	require.NoError(t, db.SavePushSubscription(ctx, sub))
	require.NoError(t, db.SavePushSubscription(ctx, &models.PushSubscription{
		Phone: phoneB, Endpoint: "https://push.example/1", P256dh: "k2", Auth: "a2",
	}))

	subs, err := db.GetPushSubscriptions(ctx, phoneA)
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = db.GetPushSubscriptions(ctx, phoneB)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "k2", subs[0].P256dh)

	require.NoError(t, db.DeletePushSubscription(ctx, "https://push.example/1"))
	assert.ErrorIs(t, db.DeletePushSubscription(ctx, "https://push.example/1"), ErrNoRows)
}
