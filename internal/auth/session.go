package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultCookieName = "duskchat_session"

var ErrNoSession = errors.New("no active session")

// Identity is what a live session resolves to.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type SessionConfig struct {
	Secret     string
	TTL        time.Duration
	Secure     bool
	CookieName string
}

// Manager binds requests to users. The session itself lives in a SessionStore;
// the browser only holds a signed token naming the session id.
type Manager struct {
	secret     []byte
	ttl        time.Duration
	secure     bool
	cookieName string
	store      SessionStore
	logger     *zap.Logger
}

func NewManager(cfg SessionConfig, store SessionStore, logger *zap.Logger) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	name := cfg.CookieName
	if name == "" {
		name = DefaultCookieName
	}
	return &Manager{
		secret:     []byte(cfg.Secret),
		ttl:        ttl,
		secure:     cfg.Secure,
		cookieName: name,
		store:      store,
		logger:     logger,
	}
}

// Establish drops whatever session the request carried and starts a new one
// for identity.
func (m *Manager) Establish(w http.ResponseWriter, r *http.Request, identity Identity) error {
	m.revoke(r)

	sid := uuid.NewString()
	if err := m.store.Save(r.Context(), sid, identity, m.ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	token, err := m.generateToken(sid, identity.UserID)
	if err != nil {
		return fmt.Errorf("failed to sign session token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		Expires:  time.Now().Add(m.ttl),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Resume returns the identity of the request's session, or ErrNoSession.
func (m *Manager) Resume(r *http.Request) (*Identity, error) {
	sid, err := m.sessionID(r)
	if err != nil {
		return nil, ErrNoSession
	}
	identity, err := m.store.Load(r.Context(), sid)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Terminate ends the request's session, if any, and expires the cookie.
func (m *Manager) Terminate(w http.ResponseWriter, r *http.Request) {
	m.revoke(r)
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) revoke(r *http.Request) {
	sid, err := m.sessionID(r)
	if err != nil {
		return
	}
	if err := m.store.Delete(r.Context(), sid); err != nil {
		m.logger.Warn("failed to revoke session", zap.Error(err))
	}
}

func (m *Manager) sessionID(r *http.Request) (string, error) {
	c, err := r.Cookie(m.cookieName)
	if err != nil || c.Value == "" {
		return "", ErrNoSession
	}
	return m.validateToken(c.Value)
}

func (m *Manager) generateToken(sid string, userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        sid,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) validateToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.ID == "" {
		return "", fmt.Errorf("invalid token")
	}
	return claims.ID, nil
}
