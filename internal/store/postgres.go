package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig bounds the managed database connection pool.
type PoolConfig struct {
	MaxOpen int
	MaxIdle int
	MaxLife time.Duration
}

type userRecord struct {
	ID            int64                `gorm:"primaryKey;autoIncrement"`
	Username      string               `gorm:"uniqueIndex;size:80;not null"`
	Email         string               `gorm:"uniqueIndex;size:120;not null"`
	PasswordHash  string               `gorm:"size:255;not null"`
	Conversations []conversationRecord `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (userRecord) TableName() string {
	return "users"
}

type conversationRecord struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	UserID    int64           `gorm:"index;not null"`
	Title     string          `gorm:"type:text;not null"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	Messages  []messageRecord `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

func (conversationRecord) TableName() string {
	return "conversations"
}

type messageRecord struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ConversationID int64  `gorm:"index;not null"`
	Role           string `gorm:"size:10;not null"`
	Content        string `gorm:"type:text;not null"`
}

func (messageRecord) TableName() string {
	return "messages"
}

func (r *userRecord) toUser() *User {
	return &User{ID: r.ID, Username: r.Username, Email: r.Email, PasswordHash: r.PasswordHash}
}

func (r *conversationRecord) toConversation() *Conversation {
	return &Conversation{ID: r.ID, UserID: r.UserID, Title: r.Title, CreatedAt: r.CreatedAt}
}

func (r *messageRecord) toMessage() *Message {
	return &Message{ID: r.ID, ConversationID: r.ConversationID, Role: r.Role, Content: r.Content}
}

// PostgresStore talks to a managed Postgres database through GORM's pooled
// connections.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(url string, cfg PoolConfig) (*PostgresStore, error) {
	s, err := newGormStore(postgres.Open(url))
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database connection: %w", err)
	}
	if cfg.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.MaxLife > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MaxLife)
	}
	return s, nil
}

func newGormStore(dialector gorm.Dialector) (*PostgresStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database connection: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := db.AutoMigrate(&userRecord{}, &conversationRecord{}, &messageRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Acquire returns a context-bound session on the shared pool; connections go
// back to the pool after each statement, so Release has nothing to free.
func (s *PostgresStore) Acquire(ctx context.Context) (Handle, error) {
	return &gormHandle{db: s.db.WithContext(ctx)}, nil
}

type gormHandle struct {
	db *gorm.DB
}

func (h *gormHandle) Release() error {
	return nil
}

func (h *gormHandle) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	rec := userRecord{Username: username, Email: email, PasswordHash: passwordHash}
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return rec.toUser(), nil
}

func (h *gormHandle) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var rec userRecord
	if err := h.db.WithContext(ctx).Where("email = ?", email).First(&rec).Error; err != nil {
		return nil, notFound(err, "failed to query user")
	}
	return rec.toUser(), nil
}

func (h *gormHandle) FindUserByID(ctx context.Context, id int64) (*User, error) {
	var rec userRecord
	if err := h.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err, "failed to query user")
	}
	return rec.toUser(), nil
}

func (h *gormHandle) UserExists(ctx context.Context, username, email string) (bool, error) {
	var n int64
	err := h.db.WithContext(ctx).Model(&userRecord{}).
		Where("username = ? OR email = ?", username, email).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

// DeleteUser removes the user with its conversations and messages. The rows
// are deleted explicitly so the cascade does not depend on driver settings.
func (h *gormHandle) DeleteUser(ctx context.Context, id int64) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversations := tx.Model(&conversationRecord{}).Select("id").Where("user_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", conversations).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("user_id = ?", id).Delete(&conversationRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		res := tx.Delete(&userRecord{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (h *gormHandle) CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error) {
	rec := conversationRecord{UserID: userID, Title: title}
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return rec.toConversation(), nil
}

func (h *gormHandle) FindConversation(ctx context.Context, id, userID int64) (*Conversation, error) {
	var rec conversationRecord
	if err := h.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&rec).Error; err != nil {
		return nil, notFound(err, "failed to get conversation")
	}
	return rec.toConversation(), nil
}

func (h *gormHandle) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	var recs []conversationRecord
	if err := h.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	conversations := make([]Conversation, 0, len(recs))
	for i := range recs {
		conversations = append(conversations, *recs[i].toConversation())
	}
	return conversations, nil
}

func (h *gormHandle) CreateMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error) {
	rec := messageRecord{ConversationID: conversationID, Role: role, Content: content}
	if err := h.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to insert %s message: %w", role, err)
	}
	return rec.toMessage(), nil
}

func (h *gormHandle) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	var recs []messageRecord
	if err := h.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	messages := make([]Message, 0, len(recs))
	for i := range recs {
		messages = append(messages, *recs[i].toMessage())
	}
	return messages, nil
}

func (h *gormHandle) SaveTurn(ctx context.Context, rec TurnRecord) (int64, error) {
	conversationID := rec.ConversationID
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conversationID == 0 {
			conv := conversationRecord{UserID: rec.UserID, Title: rec.Title}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("failed to insert conversation: %w", err)
			}
			conversationID = conv.ID
		}
		msgs := []messageRecord{
			{ConversationID: conversationID, Role: RoleUser, Content: rec.UserText},
			{ConversationID: conversationID, Role: RoleAssistant, Content: rec.ReplyText},
		}
		for i := range msgs {
			if err := tx.Create(&msgs[i]).Error; err != nil {
				return fmt.Errorf("failed to insert %s message: %w", msgs[i].Role, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return conversationID, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
