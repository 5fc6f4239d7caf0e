package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gwi.com/duskchat/internal/auth"
	"gwi.com/duskchat/internal/core"
	"gwi.com/duskchat/internal/store"
)

type stubCompleter struct {
	mu    sync.Mutex
	reply string
	delay time.Duration
	seen  [][]core.ChatMessage
}

// Complete answers after delay, or with the fallback reply if ctx ends first
// the way the real relay does.
func (s *stubCompleter) Complete(ctx context.Context, history []core.ChatMessage) string {
	s.mu.Lock()
	s.seen = append(s.seen, append([]core.ChatMessage(nil), history...))
	reply, delay := s.reply, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return core.FallbackReply
		case <-time.After(delay):
		}
	}
	return reply
}

func (s *stubCompleter) setDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
}

func (s *stubCompleter) setReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

func (s *stubCompleter) calls() [][]core.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

type testEnv struct {
	server    *httptest.Server
	store     store.Store
	completer *stubCompleter
}

func newTestEnv(t *testing.T, oauth *auth.OAuthBridge) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := zap.NewNop()
	completer := &stubCompleter{reply: "Seoul."}
	h := NewAPIHandler(HandlerDeps{
		Store:    s,
		Sessions: auth.NewManager(auth.SessionConfig{Secret: "test-secret", TTL: time.Hour}, auth.NewMemorySessionStore(), logger),
		Accounts: core.NewAccountService(logger),
		Chats:    core.NewChatService(completer, logger),
		OAuth:    oauth,
		Logger:   logger,
	})
	srv := httptest.NewServer(NewRouter(h, logger))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: s, completer: completer}
}

// client returns a cookie-keeping client that does not follow redirects.
func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (e *testEnv) do(t *testing.T, c *http.Client, method, path string, body any, out any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) signup(t *testing.T, c *http.Client, username, email string) {
	t.Helper()
	var res statusResponse
	status := e.do(t, c, http.MethodPost, "/signup", map[string]string{
		"username": username, "email": email, "password": "hunter2",
	}, &res)
	require.Equal(t, http.StatusOK, status)
	require.True(t, res.Success)
}

func TestSignupLoginLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)

	var session sessionResponse
	assert.Equal(t, http.StatusOK, env.do(t, c, http.MethodGet, "/check_session", nil, &session))
	assert.False(t, session.LoggedIn)

	var res statusResponse
	status := env.do(t, c, http.MethodPost, "/signup", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "hunter2",
	}, &res)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, statusResponse{Success: true, Message: "Account created and logged in!"}, res)

	env.do(t, c, http.MethodGet, "/check_session", nil, &session)
	assert.Equal(t, sessionResponse{LoggedIn: true, Username: "alice"}, session)

	env.do(t, c, http.MethodPost, "/logout", nil, &res)
	assert.Equal(t, statusResponse{Success: true, Message: "You have been logged out."}, res)
	session = sessionResponse{}
	env.do(t, c, http.MethodGet, "/check_session", nil, &session)
	assert.False(t, session.LoggedIn)

	status = env.do(t, c, http.MethodPost, "/login", map[string]string{
		"email": "alice@example.com", "password": "hunter2",
	}, &res)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Logged in successfully.", res.Message)
	env.do(t, c, http.MethodGet, "/check_session", nil, &session)
	assert.Equal(t, sessionResponse{LoggedIn: true, Username: "alice"}, session)
}

func TestSignup_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	testCases := []struct {
		name    string
		body    map[string]string
		status  int
		message string
	}{
		{"missing field", map[string]string{"username": "bob", "email": "bob@example.com"}, http.StatusBadRequest, "All fields are required."},
		{"duplicate email", map[string]string{"username": "bob", "email": "alice@example.com", "password": "x"}, http.StatusConflict, "Username or email already exists."},
		{"duplicate username", map[string]string{"username": "alice", "email": "other@example.com", "password": "x"}, http.StatusConflict, "Username or email already exists."},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var res statusResponse
			status := env.do(t, env.client(t), http.MethodPost, "/signup", tc.body, &res)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, statusResponse{Success: false, Message: tc.message}, res)
		})
	}
}

func TestLogin_Failures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, env.client(t), "alice", "alice@example.com")

	h, err := env.store.Acquire(context.Background())
	require.NoError(t, err)
	_, err = h.CreateUser(context.Background(), "gina", "gina@example.com", auth.OAuthPasswordSentinel)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	testCases := []struct {
		name    string
		body    map[string]string
		status  int
		message string
	}{
		{"missing password", map[string]string{"email": "alice@example.com"}, http.StatusBadRequest, "Email and password are required."},
		{"wrong password", map[string]string{"email": "alice@example.com", "password": "nope"}, http.StatusUnauthorized, "Invalid email or password."},
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": "hunter2"}, http.StatusUnauthorized, "Invalid email or password."},
		{"oauth account", map[string]string{"email": "gina@example.com", "password": auth.OAuthPasswordSentinel}, http.StatusUnauthorized, "Invalid email or password."},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var res statusResponse
			status := env.do(t, env.client(t), http.MethodPost, "/login", tc.body, &res)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.message, res.Message)
			assert.False(t, res.Success)
		})
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)

	var conversations []core.ConversationSummary
	assert.Equal(t, http.StatusUnauthorized, env.do(t, c, http.MethodGet, "/get_conversations", nil, &conversations))
	assert.NotNil(t, conversations)
	assert.Empty(t, conversations)

	var errRes errorResponse
	assert.Equal(t, http.StatusUnauthorized, env.do(t, c, http.MethodGet, "/get_messages/1", nil, &errRes))
	assert.Equal(t, "Not authorized", errRes.Error)

	var chat chatResponse
	assert.Equal(t, http.StatusUnauthorized, env.do(t, c, http.MethodPost, "/chat", map[string]string{"message": "hi"}, &chat))
	assert.Equal(t, chatResponse{Reply: "Please log in to start a chat.", Error: true}, chat)
	assert.Empty(t, env.completer.calls())
}

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	var chat chatResponse
	status := env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "what is the capital of south korea"}, &chat)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Seoul.", chat.Reply)
	assert.False(t, chat.Error)
	require.NotZero(t, chat.ConversationID)

	var conversations []core.ConversationSummary
	env.do(t, c, http.MethodGet, "/get_conversations", nil, &conversations)
	require.Len(t, conversations, 1)
	assert.Equal(t, core.ConversationSummary{ID: chat.ConversationID, Title: "what is the capital of..."}, conversations[0])

	env.completer.setReply("About 51 million.")
	var second chatResponse
	status = env.do(t, c, http.MethodPost, "/chat", map[string]any{
		"message": "and its population?", "conversation_id": chat.ConversationID,
	}, &second)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, chat.ConversationID, second.ConversationID)

	var messages []core.ChatMessage
	require.Equal(t, http.StatusOK, env.do(t, c, http.MethodGet, fmt.Sprintf("/get_messages/%d", chat.ConversationID), nil, &messages))
	assert.Equal(t, []core.ChatMessage{
		{Role: "user", Content: "what is the capital of south korea"},
		{Role: "assistant", Content: "Seoul."},
		{Role: "user", Content: "and its population?"},
		{Role: "assistant", Content: "About 51 million."},
	}, messages)

	calls := env.completer.calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 3)
}

func TestChat_FallbackReplyIsStored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.completer.setReply(core.FallbackReply)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	var chat chatResponse
	require.Equal(t, http.StatusOK, env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "hello"}, &chat))
	assert.Equal(t, core.FallbackReply, chat.Reply)

	var messages []core.ChatMessage
	env.do(t, c, http.MethodGet, fmt.Sprintf("/get_messages/%d", chat.ConversationID), nil, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, core.FallbackReply, messages[1].Content)
}

func TestChat_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	var chat chatResponse
	assert.Equal(t, http.StatusBadRequest, env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "   "}, &chat))
	assert.Equal(t, chatResponse{Reply: "Message cannot be empty.", Error: true}, chat)

	chat = chatResponse{}
	assert.Equal(t, http.StatusNotFound, env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "hi", "conversation_id": 999}, &chat))
	assert.True(t, chat.Error)
	assert.Empty(t, env.completer.calls())
}

func TestConversationsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, bob := env.client(t), env.client(t)
	env.signup(t, alice, "alice", "alice@example.com")
	env.signup(t, bob, "bob", "bob@example.com")

	var chat chatResponse
	env.do(t, alice, http.MethodPost, "/chat", map[string]any{"message": "secret plans"}, &chat)
	require.NotZero(t, chat.ConversationID)

	var conversations []core.ConversationSummary
	assert.Equal(t, http.StatusOK, env.do(t, bob, http.MethodGet, "/get_conversations", nil, &conversations))
	assert.Empty(t, conversations)

	var errRes errorResponse
	path := fmt.Sprintf("/get_messages/%d", chat.ConversationID)
	assert.Equal(t, http.StatusNotFound, env.do(t, bob, http.MethodGet, path, nil, &errRes))
	assert.Equal(t, "Conversation not found", errRes.Error)

	var bobChat chatResponse
	assert.Equal(t, http.StatusNotFound, env.do(t, bob, http.MethodPost, "/chat", map[string]any{
		"message": "let me in", "conversation_id": chat.ConversationID,
	}, &bobChat))

	errRes = errorResponse{}
	assert.Equal(t, http.StatusNotFound, env.do(t, alice, http.MethodGet, "/get_messages/abc", nil, &errRes))
	assert.Equal(t, "Conversation not found", errRes.Error)
}

func TestHealthAndIndex(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)

	var health map[string]string
	assert.Equal(t, http.StatusOK, env.do(t, c, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := c.Get(env.server.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, err = c.Get(env.server.URL + "/static/app.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGoogleLogin_NotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := env.client(t).Get(env.server.URL + "/google-login")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func newOAuthProvider(t *testing.T, profile map[string]string) (*httptest.Server, *auth.OAuthBridge) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-123","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(profile)
	})
	provider := httptest.NewServer(mux)
	t.Cleanup(provider.Close)

	return provider, auth.NewOAuthBridge(auth.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: provider.URL + "/auth", TokenURL: provider.URL + "/token"},
		UserInfoURL:  provider.URL + "/userinfo",
	})
}

// googleSignIn walks the redirect dance and returns the callback response.
func googleSignIn(t *testing.T, env *testEnv, c *http.Client) *http.Response {
	t.Helper()
	resp, err := c.Get(env.server.URL + "/google-login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, env.server.URL+"/google-callback", location.Query().Get("redirect_uri"))

	q := url.Values{}
	q.Set("state", location.Query().Get("state"))
	q.Set("code", "any-code")
	resp, err = c.Get(env.server.URL + "/google-callback?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestGoogleSignIn(t *testing.T) {
	_, bridge := newOAuthProvider(t, map[string]string{"email": "gina@example.com", "name": "Gina"})
	env := newTestEnv(t, bridge)
	c := env.client(t)

	resp := googleSignIn(t, env, c)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	var session sessionResponse
	env.do(t, c, http.MethodGet, "/check_session", nil, &session)
	assert.Equal(t, sessionResponse{LoggedIn: true, Username: "Gina"}, session)

	// A second sign-in reuses the account.
	other := env.client(t)
	googleSignIn(t, env, other)
	env.do(t, other, http.MethodGet, "/check_session", nil, &session)
	assert.Equal(t, "Gina", session.Username)

	// The account cannot be used with a password.
	var res statusResponse
	status := env.do(t, env.client(t), http.MethodPost, "/login", map[string]string{
		"email": "gina@example.com", "password": auth.OAuthPasswordSentinel,
	}, &res)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestGoogleCallback_StateMismatch(t *testing.T) {
	_, bridge := newOAuthProvider(t, map[string]string{"email": "gina@example.com"})
	env := newTestEnv(t, bridge)

	resp, err := env.client(t).Get(env.server.URL + "/google-callback?state=forged&code=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestChat_TurnSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	env.completer.setDelay(300 * time.Millisecond)
	c.Timeout = 100 * time.Millisecond
	body := bytes.NewBufferString(`{"message":"are you still there?"}`)
	_, err := c.Post(env.server.URL+"/chat", "application/json", body)
	require.Error(t, err)

	h, err := env.store.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()
	user, err := h.FindUserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)

	var conversations []store.Conversation
	require.Eventually(t, func() bool {
		conversations, err = h.ListConversations(context.Background(), user.ID)
		return err == nil && len(conversations) == 1
	}, 2*time.Second, 20*time.Millisecond)

	messages, err := h.ListMessages(context.Background(), conversations[0].ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "are you still there?", messages[0].Content)
	assert.Equal(t, "Seoul.", messages[1].Content)
}

func TestChat_ConversationIDForms(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.signup(t, c, "alice", "alice@example.com")

	var first chatResponse
	require.Equal(t, http.StatusOK, env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "hello"}, &first))
	require.NotZero(t, first.ConversationID)

	testCases := []struct {
		name     string
		id       any
		status   int
		sameConv bool
	}{
		{"zero starts a new conversation", 0, http.StatusOK, false},
		{"empty string starts a new conversation", "", http.StatusOK, false},
		{"null starts a new conversation", nil, http.StatusOK, false},
		{"numeric string continues", fmt.Sprint(first.ConversationID), http.StatusOK, true},
		{"number continues", first.ConversationID, http.StatusOK, true},
		{"garbage is not found", "abc", http.StatusNotFound, false},
		{"negative is not found", -4, http.StatusNotFound, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var res chatResponse
			status := env.do(t, c, http.MethodPost, "/chat", map[string]any{"message": "again", "conversation_id": tc.id}, &res)
			require.Equal(t, tc.status, status)
			if tc.status != http.StatusOK {
				assert.True(t, res.Error)
				return
			}
			if tc.sameConv {
				assert.Equal(t, first.ConversationID, res.ConversationID)
			} else {
				assert.NotEqual(t, first.ConversationID, res.ConversationID)
			}
		})
	}
}
