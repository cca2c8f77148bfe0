package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"warpchat/models"
)

var (
	ErrNoRows    = errors.New("no rows found")
	ErrDuplicate = errors.New("duplicate key")
)

// RoomSeparator joins the two phone numbers of a room key.
const RoomSeparator = "_"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			phone TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room TEXT NOT NULL,
			author TEXT NOT NULL,
			message TEXT NOT NULL,
			time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone TEXT NOT NULL,
			endpoint TEXT UNIQUE NOT NULL,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room, id)`,
		`CREATE INDEX IF NOT EXISTS idx_push_phone ON push_subscriptions(phone)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate adds columns introduced after the first schema. Older databases
// created with only the base columns are upgraded in place.
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(time.RFC3339)

	columns := []struct {
		table, column, ddl string
	}{
		{"users", "avatar", "ALTER TABLE users ADD COLUMN avatar TEXT NOT NULL DEFAULT ''"},
		// SQLite doesn't support parameters in ALTER TABLE, use string concatenation
		{"users", "last_online", "ALTER TABLE users ADD COLUMN last_online TEXT DEFAULT '" + now + "'"},
		{"users", "last_offline", "ALTER TABLE users ADD COLUMN last_offline TEXT DEFAULT '" + now + "'"},
		{"messages", "author_phone", "ALTER TABLE messages ADD COLUMN author_phone TEXT NOT NULL DEFAULT ''"},
		{"messages", "type", "ALTER TABLE messages ADD COLUMN type TEXT NOT NULL DEFAULT 'text'"},
		{"messages", "status", "ALTER TABLE messages ADD COLUMN status TEXT NOT NULL DEFAULT 'sent'"},
		{"messages", "read_at", "ALTER TABLE messages ADD COLUMN read_at TEXT"},
		{"messages", "avatar", "ALTER TABLE messages ADD COLUMN avatar TEXT NOT NULL DEFAULT ''"},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return errors.Wrapf(err, "add column %s.%s", c.table, c.column)
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// User methods

// CreateUser stores a new identity. The password is hashed with bcrypt; a
// phone number that is already registered yields ErrDuplicate.
func (db *DB) CreateUser(ctx context.Context, username, phone, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, phone, password, last_online, last_offline) VALUES (?, ?, ?, ?, ?)",
		username, phone, string(hashed), now, now,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// AuthenticateUser returns the user when the password matches. A missing
// user and a wrong password are both reported as (nil, nil).
func (db *DB) AuthenticateUser(ctx context.Context, phone, password string) (*models.User, error) {
	user, err := db.GetUser(ctx, phone)
	if err == ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

func (db *DB) GetUser(ctx context.Context, phone string) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, phone, password, avatar FROM users WHERE phone = ?", phone,
	).Scan(&u.ID, &u.Username, &u.Phone, &u.Password, &u.Avatar)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) UpdateUserAvatar(ctx context.Context, phone, avatar string) error {
	result, err := db.conn.ExecContext(ctx, "UPDATE users SET avatar = ? WHERE phone = ?", avatar, phone)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(ctx context.Context, phone string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_online = ? WHERE phone = ?",
		t.UTC().Format(time.RFC3339), phone,
	)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(ctx context.Context, phone string, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET last_offline = ? WHERE phone = ?",
		t.UTC().Format(time.RFC3339), phone,
	)
	return err
}

// LastSeen returns the later of the user's last online and last offline
// timestamps.
func (db *DB) LastSeen(ctx context.Context, phone string) (time.Time, error) {
	var onlineStr, offlineStr string
	err := db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(last_online, ''), COALESCE(last_offline, '') FROM users WHERE phone = ?",
		phone,
	).Scan(&onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNoRows
	}
	if err != nil {
		return time.Time{}, err
	}

	var lastOnline, lastOffline time.Time
	if onlineStr != "" {
		lastOnline, _ = time.Parse(time.RFC3339, onlineStr)
	}
	if offlineStr != "" {
		lastOffline, _ = time.Parse(time.RFC3339, offlineStr)
	}
	if lastOnline.After(lastOffline) {
		return lastOnline, nil
	}
	return lastOffline, nil
}

// Message methods

const messageColumns = "id, room, author, author_phone, message, type, time, status, read_at, avatar"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var readAt sql.NullString
	if err := row.Scan(&m.ID, &m.Room, &m.Author, &m.AuthorPhone, &m.Content, &m.Type, &m.Time, &m.Status, &readAt, &m.Avatar); err != nil {
		return nil, err
	}
	if readAt.Valid && readAt.String != "" {
		if t, err := time.Parse(time.RFC3339, readAt.String); err == nil {
			m.ReadAt = &t
		}
	}
	return &m, nil
}

// SaveMessage inserts msg with status "sent" and returns the id assigned by
// the store. msg.ID and msg.Status are updated in place.
func (db *DB) SaveMessage(ctx context.Context, msg *models.Message) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (room, author, author_phone, message, type, time, status, avatar) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		msg.Room, msg.Author, msg.AuthorPhone, msg.Content, msg.Type, msg.Time, models.StatusSent, msg.Avatar,
	)
	if err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	msg.Status = models.StatusSent
	return id, nil
}

func (db *DB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return m, err
}

// GetMessagesForRoom returns the room's history ordered by id ascending.
func (db *DB) GetMessagesForRoom(ctx context.Context, room string) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE room = ? ORDER BY id ASC", room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}

	return messages, rows.Err()
}

func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ResetRoom deletes every message of the room and returns how many were
// removed.
func (db *DB) ResetRoom(ctx context.Context, room string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE room = ?", room)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkRoomRead moves every message in room not written by reader from
// "sent" to "read" in a single statement and returns the number of
// transitions. Messages already read are left untouched.
func (db *DB) MarkRoomRead(ctx context.Context, room, reader string, at time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ?, read_at = ? WHERE room = ? AND author_phone <> ? AND status <> ?",
		models.StatusRead, at.UTC().Format(time.RFC3339), room, reader, models.StatusRead,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetRecentChats lists every room phone takes part in, newest activity
// first, with the peer's profile and the number of unread incoming messages.
func (db *DB) GetRecentChats(ctx context.Context, phone string) ([]models.RecentChat, error) {
	query := `
		SELECT m.room, m.id, m.message, m.type, m.time,
			(SELECT COUNT(*) FROM messages u
			 WHERE u.room = m.room AND u.status = 'sent' AND u.author_phone <> ?) AS unread
		FROM messages m
		WHERE m.id IN (
			SELECT MAX(id) FROM messages
			WHERE room LIKE ? ESCAPE '\' OR room LIKE ? ESCAPE '\'
			GROUP BY room
		)
		ORDER BY m.id DESC
	`
	prefix := phone + `\` + RoomSeparator + "%"
	suffix := "%" + `\` + RoomSeparator + phone

	rows, err := db.conn.QueryContext(ctx, query, phone, prefix, suffix)
	if err != nil {
		return nil, err
	}

	chats := make([]models.RecentChat, 0)
	for rows.Next() {
		var c models.RecentChat
		if err := rows.Scan(&c.Room, &c.LastID, &c.LastMessage, &c.LastType, &c.LastTime, &c.Unread); err != nil {
			rows.Close()
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range chats {
		parts := strings.SplitN(chats[i].Room, RoomSeparator, 2)
		if len(parts) != 2 {
			continue
		}
		peer := parts[0]
		if peer == phone {
			peer = parts[1]
		}
		chats[i].PeerPhone = peer

		user, err := db.GetUser(ctx, peer)
		if err == ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		chats[i].PeerName = user.Username
		chats[i].PeerAvatar = user.Avatar
	}

	return chats, nil
}

// Push subscription methods

// SavePushSubscription stores sub, moving an existing endpoint to the new
// owner if it was registered before.
func (db *DB) SavePushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO push_subscriptions (phone, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET phone = excluded.phone, p256dh = excluded.p256dh, auth = excluded.auth`,
		sub.Phone, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (db *DB) GetPushSubscriptions(ctx context.Context, phone string) ([]models.PushSubscription, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, phone, endpoint, p256dh, auth, created_at FROM push_subscriptions WHERE phone = ? ORDER BY id",
		phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var s models.PushSubscription
		var created string
		if err := rows.Scan(&s.ID, &s.Phone, &s.Endpoint, &s.P256dh, &s.Auth, &created); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, created)
		subs = append(subs, s)
	}

	return subs, rows.Err()
}

func (db *DB) DeletePushSubscription(ctx context.Context, endpoint string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}
