package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"gwi.com/duskchat/internal/store"
)

const (
	SystemPrompt  = "You are a helpful AI assistant in a dark-themed chat."
	FallbackReply = "Sorry, I couldn't connect to the AI service."

	defaultCompletionTimeout = 30 * time.Second
)

// ChatMessage is one entry of a conversation's history as the client and the
// completion API see it.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer turns a conversation history into the assistant's next reply. It
// never fails: problems reaching the model surface as reply text.
type Completer interface {
	Complete(ctx context.Context, history []ChatMessage) string
}

type RelayConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// CompletionRelay forwards conversations to an OpenAI-compatible chat
// completion endpoint.
type CompletionRelay struct {
	llm     llms.Model
	timeout time.Duration
	logger  *zap.Logger
}

func NewCompletionRelay(cfg RelayConfig, logger *zap.Logger) (*CompletionRelay, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}
	return &CompletionRelay{llm: llm, timeout: timeout, logger: logger}, nil
}

func (r *CompletionRelay) Complete(ctx context.Context, history []ChatMessage) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := make([]llms.MessageContent, 0, len(history)+1)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, SystemPrompt))
	for _, m := range history {
		messages = append(messages, llms.TextParts(messageType(m.Role), m.Content))
	}

	resp, err := r.llm.GenerateContent(ctx, messages)
	if err != nil {
		r.logger.Error("completion request failed", zap.Error(err), zap.Int("history_len", len(history)))
		return FallbackReply
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil || resp.Choices[0].Content == "" {
		r.logger.Error("completion response had no content", zap.Int("history_len", len(history)))
		return FallbackReply
	}
	return resp.Choices[0].Content
}

func messageType(role string) llms.ChatMessageType {
	if role == store.RoleAssistant {
		return llms.ChatMessageTypeAI
	}
	return llms.ChatMessageTypeHuman
}
