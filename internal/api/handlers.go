package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gwi.com/duskchat/internal/auth"
	"gwi.com/duskchat/internal/core"
	"gwi.com/duskchat/internal/store"
)

type APIHandler struct {
	store    store.Store
	sessions *auth.Manager
	accounts *core.AccountService
	chats    *core.ChatService
	oauth    *auth.OAuthBridge // nil when Google sign-in is not configured
	// oauthRedirectURL overrides the callback URL derived from the request.
	oauthRedirectURL string
	logger           *zap.Logger
}

type HandlerDeps struct {
	Store            store.Store
	Sessions         *auth.Manager
	Accounts         *core.AccountService
	Chats            *core.ChatService
	OAuth            *auth.OAuthBridge
	OAuthRedirectURL string
	Logger           *zap.Logger
}

func NewAPIHandler(deps HandlerDeps) *APIHandler {
	return &APIHandler{
		store:            deps.Store,
		sessions:         deps.Sessions,
		accounts:         deps.Accounts,
		chats:            deps.Chats,
		oauth:            deps.OAuth,
		oauthRedirectURL: deps.OAuthRedirectURL,
		logger:           deps.Logger,
	}
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type sessionResponse struct {
	LoggedIn bool   `json:"logged_in"`
	Username string `json:"username,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type chatRequest struct {
	Message        string         `json:"message"`
	ConversationID conversationRef `json:"conversation_id"`
}

// unknownConversation is an id no row can have, so a lookup with it reports
// the conversation as not found.
const unknownConversation conversationRef = -1

// conversationRef is the optional conversation id of a chat request. It
// accepts a number or a numeric string; null, 0 and "" start a new
// conversation.
type conversationRef int64

func (c *conversationRef) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		*c = unknownConversation
		return nil
	}
	*c = conversationRef(id)
	return nil
}

// id returns nil when the request starts a new conversation.
func (c conversationRef) id() *int64 {
	if c == 0 {
		return nil
	}
	id := int64(c)
	return &id
}

type chatResponse struct {
	Reply          string `json:"reply"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	Error          bool   `json:"error,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON leaves v untouched when the body is missing or malformed, so the
// request fails validation instead of surfacing a parser error.
func decodeJSON(r *http.Request, v any) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}

func (h *APIHandler) acquire(w http.ResponseWriter, r *http.Request, failure any) (store.Handle, bool) {
	db, err := h.store.Acquire(r.Context())
	if err != nil {
		h.logger.Error("failed to acquire storage handle", zap.Error(err), zap.String("path", r.URL.Path))
		writeJSON(w, http.StatusInternalServerError, failure)
		return nil, false
	}
	return db, true
}

func (h *APIHandler) release(db store.Handle) {
	if err := db.Release(); err != nil {
		h.logger.Warn("failed to release storage handle", zap.Error(err))
	}
}

func (h *APIHandler) establish(w http.ResponseWriter, r *http.Request, user *store.User) error {
	return h.sessions.Establish(w, r, auth.Identity{UserID: user.ID, Username: user.Username})
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req core.SignupInput
	decodeJSON(r, &req)

	failure := statusResponse{Message: "Could not create account. Please try again."}
	db, ok := h.acquire(w, r, failure)
	if !ok {
		return
	}
	defer h.release(db)

	user, err := h.accounts.Signup(r.Context(), db, req)
	switch {
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, statusResponse{Message: "All fields are required."})
		return
	case errors.Is(err, core.ErrConflict):
		writeJSON(w, http.StatusConflict, statusResponse{Message: "Username or email already exists."})
		return
	case err != nil:
		h.logger.Error("signup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}

	if err := h.establish(w, r, user); err != nil {
		h.logger.Error("failed to establish session after signup", zap.Error(err), zap.Int64("user_id", user.ID))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Account created and logged in!"})
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	decodeJSON(r, &req)

	failure := statusResponse{Message: "Could not log in. Please try again."}
	db, ok := h.acquire(w, r, failure)
	if !ok {
		return
	}
	defer h.release(db)

	user, err := h.accounts.Login(r.Context(), db, req.Email, req.Password)
	switch {
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, statusResponse{Message: "Email and password are required."})
		return
	case errors.Is(err, core.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, statusResponse{Message: "Invalid email or password."})
		return
	case err != nil:
		h.logger.Error("login failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}

	if err := h.establish(w, r, user); err != nil {
		h.logger.Error("failed to establish session after login", zap.Error(err), zap.Int64("user_id", user.ID))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "Logged in successfully."})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.sessions.Terminate(w, r)
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "You have been logged out."})
}

func (h *APIHandler) CheckSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{LoggedIn: false})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{LoggedIn: true, Username: identity.Username})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, []core.ConversationSummary{})
		return
	}

	db, ok := h.acquire(w, r, []core.ConversationSummary{})
	if !ok {
		return
	}
	defer h.release(db)

	conversations, err := h.chats.ListConversations(r.Context(), db, identity.UserID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err), zap.Int64("user_id", identity.UserID))
		writeJSON(w, http.StatusInternalServerError, []core.ConversationSummary{})
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *APIHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Not authorized"})
		return
	}
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Conversation not found"})
		return
	}

	failure := errorResponse{Error: "Failed to load messages"}
	db, ok := h.acquire(w, r, failure)
	if !ok {
		return
	}
	defer h.release(db)

	messages, err := h.chats.GetMessages(r.Context(), db, conversationID, identity.UserID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Conversation not found"})
		return
	case err != nil:
		h.logger.Error("failed to load messages", zap.Error(err), zap.Int64("user_id", identity.UserID), zap.Int64("conversation_id", conversationID))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, chatResponse{Reply: "Please log in to start a chat.", Error: true})
		return
	}

	var req chatRequest
	decodeJSON(r, &req)

	failure := chatResponse{Reply: "Something went wrong while saving your message.", Error: true}
	db, ok := h.acquire(w, r, failure)
	if !ok {
		return
	}
	defer h.release(db)

	// A turn that reached the completion call is stored even if the client
	// goes away; the relay timeout still bounds it.
	ctx := context.WithoutCancel(r.Context())
	res, err := h.chats.RecordTurn(ctx, db, core.TurnInput{
		UserID:         identity.UserID,
		ConversationID: req.ConversationID.id(),
		Text:           req.Message,
	})
	switch {
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, chatResponse{Reply: "Message cannot be empty.", Error: true})
		return
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, chatResponse{Reply: "Conversation not found.", Error: true})
		return
	case err != nil:
		h.logger.Error("chat turn failed", zap.Error(err), zap.Int64("user_id", identity.UserID))
		writeJSON(w, http.StatusInternalServerError, failure)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: res.Reply, ConversationID: res.ConversationID})
}
