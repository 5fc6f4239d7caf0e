package store

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Store hands out request-scoped handles. Every handle obtained with Acquire
// must be released with Release once the request is done.
type Store interface {
	Acquire(ctx context.Context) (Handle, error)
	Close() error
}

// Handle is a storage session bound to a single request.
type Handle interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	UserExists(ctx context.Context, username, email string) (bool, error)
	DeleteUser(ctx context.Context, id int64) error

	CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error)
	FindConversation(ctx context.Context, id, userID int64) (*Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]Conversation, error)

	CreateMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)

	// SaveTurn stores a user message and its assistant reply in one transaction,
	// creating the conversation first when rec.ConversationID is zero.
	SaveTurn(ctx context.Context, rec TurnRecord) (int64, error)

	Release() error
}

// IsPostgresURL reports whether a DATABASE_URL points at a managed Postgres
// instance rather than an embedded SQLite file.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Open selects the storage backend from the database URL: Postgres for
// postgres:// URLs, an embedded SQLite file for anything else.
func Open(url string, pool PoolConfig) (Store, error) {
	if IsPostgresURL(url) {
		return NewPostgresStore(url, pool)
	}
	return NewSQLiteStore(url)
}
