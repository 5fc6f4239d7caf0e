package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        email TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id) ON DELETE CASCADE
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations (user_id);
    CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages (conversation_id);
    `

// SQLiteStore keeps everything in a single embedded database file. Each
// request gets its own connection from the pool.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// sqliteDSN turns on foreign keys for every pooled connection; cascading
// deletes depend on it.
func sqliteDSN(dataSourceName string) string {
	if strings.Contains(dataSourceName, "_foreign_keys") || strings.Contains(dataSourceName, "_fk=") {
		return dataSourceName
	}
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	return dataSourceName + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStore) Acquire(ctx context.Context) (Handle, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &sqliteHandle{conn: conn}, nil
}

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteHandle struct {
	conn *sql.Conn
}

func (h *sqliteHandle) Release() error {
	return h.conn.Close()
}

// User methods
func (h *sqliteHandle) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	res, err := h.conn.ExecContext(ctx, "INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)", username, email, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &User{ID: id, Username: username, Email: email, PasswordHash: passwordHash}, nil
}

func (h *sqliteHandle) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return h.scanUser(h.conn.QueryRowContext(ctx, "SELECT id, username, email, password_hash FROM users WHERE email = ?", email))
}

func (h *sqliteHandle) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return h.scanUser(h.conn.QueryRowContext(ctx, "SELECT id, username, email, password_hash FROM users WHERE id = ?", id))
}

func (h *sqliteHandle) scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (h *sqliteHandle) UserExists(ctx context.Context, username, email string) (bool, error) {
	var n int
	err := h.conn.QueryRowContext(ctx, "SELECT COUNT(1) FROM users WHERE username = ? OR email = ?", username, email).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

func (h *sqliteHandle) DeleteUser(ctx context.Context, id int64) error {
	res, err := h.conn.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Conversation methods
func (h *sqliteHandle) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	return insertConversation(ctx, h.conn, userID, title)
}

func insertConversation(ctx context.Context, q querier, userID int64, title string) (*Conversation, error) {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, "INSERT INTO conversations (user_id, title, created_at) VALUES (?, ?, ?)", userID, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}
	return &Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now}, nil
}

func (h *sqliteHandle) FindConversation(ctx context.Context, id, userID int64) (*Conversation, error) {
	var conv Conversation
	err := h.conn.QueryRowContext(ctx, "SELECT id, user_id, title, created_at FROM conversations WHERE id = ? AND user_id = ?", id, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (h *sqliteHandle) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	rows, err := h.conn.QueryContext(ctx, "SELECT id, user_id, title, created_at FROM conversations WHERE user_id = ? ORDER BY id ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return conversations, nil
}

// Message methods
func (h *sqliteHandle) CreateMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error) {
	return insertMessage(ctx, h.conn, conversationID, role, content)
}

func insertMessage(ctx context.Context, q querier, conversationID int64, role, content string) (*Message, error) {
	res, err := q.ExecContext(ctx, "INSERT INTO messages (conversation_id, role, content) VALUES (?, ?, ?)", conversationID, role, content)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s message: %w", role, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}
	return &Message{ID: id, ConversationID: conversationID, Role: role, Content: content}, nil
}

func (h *sqliteHandle) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := h.conn.QueryContext(ctx, "SELECT id, conversation_id, role, content FROM messages WHERE conversation_id = ? ORDER BY id ASC", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func (h *sqliteHandle) SaveTurn(ctx context.Context, rec TurnRecord) (int64, error) {
	tx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer tx.Rollback()

	conversationID := rec.ConversationID
	if conversationID == 0 {
		conv, err := insertConversation(ctx, tx, rec.UserID, rec.Title)
		if err != nil {
			return 0, err
		}
		conversationID = conv.ID
	}
	if _, err := insertMessage(ctx, tx, conversationID, RoleUser, rec.UserText); err != nil {
		return 0, err
	}
	if _, err := insertMessage(ctx, tx, conversationID, RoleAssistant, rec.ReplyText); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit turn: %w", err)
	}
	return conversationID, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
