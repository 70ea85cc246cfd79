package internal

import (
	"context"
	"time"
)

// The gateway core does not own persistence, authentication, moderation or
// push delivery. Those live behind the interfaces below; the concrete
// implementations are wired in by internal/app.

// Identity is the result of a successful token verification.
type Identity struct {
	UserID   int64
	Username string
}

// TokenVerifier authenticates the token presented on connect.
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

// ModerationGate answers mute/ban questions before room actions are accepted.
// Both calls must complete before any state mutation or broadcast.
type ModerationGate interface {
	IsBanned(ctx context.Context, room string, userID int64) (bool, error)
	IsMuted(ctx context.Context, room string, userID int64) (bool, error)
}

// Message is a persisted chat message.
type Message struct {
	ID        string
	Room      string
	UserID    int64
	Username  string
	Content   string
	CreatedAt time.Time
}

// Reaction summarises one emoji on one message after an update.
type Reaction struct {
	MessageID string
	Room      string
	Emoji     string
	Count     int
}

// MessageStore is the persistence collaborator: rooms, messages, reactions
// and unread counters.
type MessageStore interface {
	RoomExists(ctx context.Context, room string) (bool, error)
	// ListUserRooms returns one page of the user's persisted room membership.
	ListUserRooms(ctx context.Context, userID int64, limit, offset int) ([]string, error)
	CreateMessage(ctx context.Context, userID int64, room, content string) (*Message, error)
	// AddReaction stores the reaction and returns the new per-emoji count
	// along with the room the message belongs to.
	AddReaction(ctx context.Context, messageID string, userID int64, emoji string) (*Reaction, error)
	// IncrementUnread bumps the unread counter for every room member except
	// those listed in activeUsers, returning the user ids that were bumped.
	IncrementUnread(ctx context.Context, room string, activeUsers []int64) ([]int64, error)
	MarkRead(ctx context.Context, userID int64, room string) error
	UnreadCount(ctx context.Context, userID int64, room string) (int, error)
}

// Notifier delivers out-of-band notifications (push/email) for users who are
// not looking at the room right now.
type Notifier interface {
	Notify(ctx context.Context, userID int64, payload []byte) error
}

// NopNotifier discards notifications; used when no push pipeline is wired.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, int64, []byte) error { return nil }
