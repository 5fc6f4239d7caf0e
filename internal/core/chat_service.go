package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gwi.com/duskchat/internal/store"
)

type ConversationSummary struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type TurnInput struct {
	UserID         int64
	ConversationID *int64 // nil starts a new conversation
	Text           string
}

type TurnResult struct {
	Reply          string
	ConversationID int64
	Messages       []ChatMessage
}

type ChatService struct {
	relay  Completer
	logger *zap.Logger
}

func NewChatService(relay Completer, logger *zap.Logger) *ChatService {
	return &ChatService{relay: relay, logger: logger}
}

func (s *ChatService) ListConversations(ctx context.Context, db store.Handle, userID int64) ([]ConversationSummary, error) {
	conversations, err := db.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]ConversationSummary, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, ConversationSummary{ID: c.ID, Title: c.Title})
	}
	return out, nil
}

// GetMessages returns the conversation's history in creation order. Someone
// else's conversation is reported exactly like a missing one.
func (s *ChatService) GetMessages(ctx context.Context, db store.Handle, conversationID, userID int64) ([]ChatMessage, error) {
	if _, err := s.ownedConversation(ctx, db, conversationID, userID); err != nil {
		return nil, err
	}
	return s.history(ctx, db, conversationID)
}

// RecordTurn runs one chat exchange: it asks the completion relay for a reply
// to the history plus text, then stores both messages together.
func (s *ChatService) RecordTurn(ctx context.Context, db store.Handle, in TurnInput) (*TurnResult, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrValidation
	}

	rec := store.TurnRecord{UserID: in.UserID, UserText: in.Text}
	var history []ChatMessage
	if in.ConversationID != nil {
		conv, err := s.ownedConversation(ctx, db, *in.ConversationID, in.UserID)
		if err != nil {
			return nil, err
		}
		rec.ConversationID = conv.ID
		if history, err = s.history(ctx, db, conv.ID); err != nil {
			return nil, err
		}
	} else {
		rec.Title = DeriveTitle(in.Text)
	}
	history = append(history, ChatMessage{Role: store.RoleUser, Content: in.Text})

	rec.ReplyText = s.relay.Complete(ctx, history)

	conversationID, err := db.SaveTurn(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to save chat turn: %w", err)
	}
	s.logger.Debug("chat turn recorded",
		zap.Int64("user_id", in.UserID),
		zap.Int64("conversation_id", conversationID),
		zap.Int("messages", len(history)+1))

	return &TurnResult{
		Reply:          rec.ReplyText,
		ConversationID: conversationID,
		Messages:       append(history, ChatMessage{Role: store.RoleAssistant, Content: rec.ReplyText}),
	}, nil
}

func (s *ChatService) ownedConversation(ctx context.Context, db store.Handle, conversationID, userID int64) (*store.Conversation, error) {
	conv, err := db.FindConversation(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to verify conversation: %w", err)
	}
	return conv, nil
}

func (s *ChatService) history(ctx context.Context, db store.Handle, conversationID int64) ([]ChatMessage, error) {
	messages, err := db.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	out := make([]ChatMessage, 0, len(messages)+2)
	for _, m := range messages {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}
