package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	stateCookieName = "duskchat_oauth_state"
	stateTTL        = 10 * time.Minute
)

var ErrStateMismatch = errors.New("oauth state mismatch")

// Profile is the part of the provider's userinfo document we keep.
type Profile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	Scopes       []string
	SecureCookie bool
}

// OAuthBridge runs the authorization-code flow against an external identity
// provider.
type OAuthBridge struct {
	cfg          oauth2.Config
	userInfoURL  string
	secureCookie bool
}

func NewGoogleBridge(clientID, clientSecret string, secureCookie bool) *OAuthBridge {
	return NewOAuthBridge(OAuthConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		UserInfoURL:  GoogleUserInfoURL,
		SecureCookie: secureCookie,
	})
}

func NewOAuthBridge(cfg OAuthConfig) *OAuthBridge {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &OAuthBridge{
		cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
			Scopes:       scopes,
		},
		userInfoURL:  cfg.UserInfoURL,
		secureCookie: cfg.SecureCookie,
	}
}

// Begin remembers a fresh state value in a short-lived cookie and returns the
// provider URL the user agent should be sent to.
func (b *OAuthBridge) Begin(w http.ResponseWriter, redirectURL string) string {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   b.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return b.config(redirectURL).AuthCodeURL(state)
}

// Complete validates the callback request, exchanges the code and fetches the
// user's profile.
func (b *OAuthBridge) Complete(w http.ResponseWriter, r *http.Request, redirectURL string) (*Profile, error) {
	c, err := r.Cookie(stateCookieName)
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: b.secureCookie})
	q := r.URL.Query()
	if err != nil || c.Value == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(q.Get("state"))) != 1 {
		return nil, ErrStateMismatch
	}
	if e := q.Get("error"); e != "" {
		return nil, fmt.Errorf("provider returned error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	cfg := b.config(redirectURL)
	token, err := cfg.Exchange(r.Context(), code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return b.fetchProfile(r.Context(), cfg, token)
}

func (b *OAuthBridge) config(redirectURL string) *oauth2.Config {
	cfg := b.cfg
	cfg.RedirectURL = redirectURL
	return &cfg
}

func (b *OAuthBridge) fetchProfile(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	resp, err := cfg.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("userinfo has no email")
	}
	return &profile, nil
}

// DisplayName is the provider's name, or the local part of the email when the
// provider did not send one.
func (p *Profile) DisplayName() string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(p.Email, "@")
	return local
}

// CallbackURL builds the absolute callback URL for r when none is configured.
func CallbackURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}
