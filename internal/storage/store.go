package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle behind the message/room/moderation
// collaborator interfaces the gateway consumes.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Message is a persisted chat message with its author resolved.
type Message struct {
	ID        string
	RoomKey   string
	UserID    int64
	Username  string
	Body      string
	CreatedAt time.Time
}

// ReactionCount is the state of one emoji on one message after an update.
type ReactionCount struct {
	MessageID string
	RoomKey   string
	Emoji     string
	Count     int
}

var (
	// ErrUserExists is returned when attempting to insert a duplicate username.
	ErrUserExists = errors.New("user already exists")
	// ErrRoomExists is returned when creating a room whose key is taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned for operations on unknown rooms.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMessageNotFound is returned when reacting to an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chatgate.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			key TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_key TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_key, user_id),
			FOREIGN KEY(room_key) REFERENCES rooms(key) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_key TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			body TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(room_key) REFERENCES rooms(key) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_key, created_at);`,
		`CREATE TABLE IF NOT EXISTS reactions (
			message_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			emoji TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id, emoji),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS moderation (
			room_key TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			muted INTEGER NOT NULL DEFAULT 0,
			banned INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (room_key, user_id),
			FOREIGN KEY(room_key) REFERENCES rooms(key) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS unread_counts (
			user_id INTEGER NOT NULL,
			room_key TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, room_key),
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY(room_key) REFERENCES rooms(key) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(username, password_hash) VALUES(?, ?)`, username, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateRoom inserts a room. ErrRoomExists is returned on conflicts.
func (s *Store) CreateRoom(ctx context.Context, key, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rooms(key, name) VALUES(?, ?)`, key, name)
	if err != nil && isConstraintError(err) {
		return ErrRoomExists
	}
	return err
}

// RoomExists reports whether the room key is known.
func (s *Store) RoomExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE key = ?`, key).Scan(&count)
	return count > 0, err
}

// AddRoomMember records persisted membership; adding twice is a no-op.
func (s *Store) AddRoomMember(ctx context.Context, room string, userID int64) error {
	exists, err := s.RoomExists(ctx, room)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO room_members(room_key, user_id) VALUES(?, ?)`, room, userID)
	return err
}

// RemoveRoomMember drops the membership row and the unread counter with it.
func (s *Store) RemoveRoomMember(ctx context.Context, room string, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_key = ? AND user_id = ?`, room, userID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM unread_counts WHERE room_key = ? AND user_id = ?`, room, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListUserRooms returns one page of the user's persisted room membership,
// oldest membership first.
func (s *Store) ListUserRooms(ctx context.Context, userID int64, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_key FROM room_members
		WHERE user_id = ?
		ORDER BY joined_at ASC, room_key ASC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ListRoomMembers returns the user ids with persisted membership in the room.
func (s *Store) ListRoomMembers(ctx context.Context, room string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM room_members WHERE room_key = ?`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateMessage persists a message and resolves the author's username.
func (s *Store) CreateMessage(ctx context.Context, userID int64, room, body string) (*Message, error) {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("unknown user %d", userID)
	}
	msg := &Message{
		ID:        ulid.Make().String(),
		RoomKey:   room,
		UserID:    userID,
		Username:  user.Username,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, room_key, user_id, body, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomKey, msg.UserID, msg.Body, msg.CreatedAt)
	if err != nil {
		if isConstraintError(err) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return msg, nil
}

// ListRecentMessages returns the newest messages in a room, newest first.
func (s *Store) ListRecentMessages(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.room_key, m.user_id, u.username, m.body, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_key = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomKey, &m.UserID, &m.Username, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddReaction stores the reaction (repeat reactions by the same user are
// no-ops) and returns the new per-emoji count with the room resolved.
func (s *Store) AddReaction(ctx context.Context, messageID string, userID int64, emoji string) (*ReactionCount, error) {
	var room string
	err := s.db.QueryRowContext(ctx, `SELECT room_key FROM messages WHERE id = ?`, messageID).Scan(&room)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions(message_id, user_id, emoji) VALUES(?, ?, ?)`,
		messageID, userID, emoji); err != nil {
		return nil, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reactions WHERE message_id = ? AND emoji = ?`,
		messageID, emoji).Scan(&count); err != nil {
		return nil, err
	}
	return &ReactionCount{MessageID: messageID, RoomKey: room, Emoji: emoji, Count: count}, nil
}

// SetModeration upserts the mute/ban flags for a user in a room.
func (s *Store) SetModeration(ctx context.Context, room string, userID int64, muted, banned bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation(room_key, user_id, muted, banned) VALUES(?, ?, ?, ?)
		ON CONFLICT(room_key, user_id) DO UPDATE SET muted = excluded.muted, banned = excluded.banned
	`, room, userID, boolInt(muted), boolInt(banned))
	return err
}

// IsMuted reports whether the user is muted in the room.
func (s *Store) IsMuted(ctx context.Context, room string, userID int64) (bool, error) {
	return s.moderationFlag(ctx, "muted", room, userID)
}

// IsBanned reports whether the user is banned from the room.
func (s *Store) IsBanned(ctx context.Context, room string, userID int64) (bool, error) {
	return s.moderationFlag(ctx, "banned", room, userID)
}

func (s *Store) moderationFlag(ctx context.Context, column, room string, userID int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM moderation WHERE room_key = ? AND user_id = ?`,
		room, userID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// IncrementUnread bumps the unread counter for every room member except the
// listed active users, returning the user ids that were bumped.
func (s *Store) IncrementUnread(ctx context.Context, room string, activeUsers []int64) ([]int64, error) {
	members, err := s.ListRoomMembers(ctx, room)
	if err != nil {
		return nil, err
	}
	active := make(map[int64]bool, len(activeUsers))
	for _, id := range activeUsers {
		active[id] = true
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var bumped []int64
	for _, userID := range members {
		if active[userID] {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO unread_counts(user_id, room_key, count) VALUES(?, ?, 1)
			ON CONFLICT(user_id, room_key) DO UPDATE SET count = count + 1
		`, userID, room); err != nil {
			return nil, err
		}
		bumped = append(bumped, userID)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return bumped, nil
}

// MarkRead resets the unread counter for the user in the room.
func (s *Store) MarkRead(ctx context.Context, userID int64, room string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM unread_counts WHERE user_id = ? AND room_key = ?`, userID, room)
	return err
}

// UnreadCount returns the current unread counter, zero when absent.
func (s *Store) UnreadCount(ctx context.Context, userID int64, room string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM unread_counts WHERE user_id = ? AND room_key = ?`,
		userID, room).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}
