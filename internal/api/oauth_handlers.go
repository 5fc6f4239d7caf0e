package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gwi.com/duskchat/internal/auth"
)

const callbackPath = "/google-callback"

func (h *APIHandler) callbackURL(r *http.Request) string {
	if h.oauthRedirectURL != "" {
		return h.oauthRedirectURL
	}
	return auth.CallbackURL(r, callbackPath)
}

// oauthFailure answers like the rest of the sign-in flow: a plain-text 500
// carrying the cause.
func (h *APIHandler) oauthFailure(w http.ResponseWriter, err error) {
	h.logger.Error("google sign-in failed", zap.Error(err))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "An error occurred: %v", err)
}

func (h *APIHandler) GoogleLoginHandler(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		h.oauthFailure(w, fmt.Errorf("google sign-in is not configured"))
		return
	}
	http.Redirect(w, r, h.oauth.Begin(w, h.callbackURL(r)), http.StatusFound)
}

func (h *APIHandler) GoogleCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		h.oauthFailure(w, fmt.Errorf("google sign-in is not configured"))
		return
	}
	profile, err := h.oauth.Complete(w, r, h.callbackURL(r))
	if err != nil {
		h.oauthFailure(w, err)
		return
	}

	db, err := h.store.Acquire(r.Context())
	if err != nil {
		h.oauthFailure(w, err)
		return
	}
	defer h.release(db)

	user, err := h.accounts.SignInWithProfile(r.Context(), db, profile)
	if err != nil {
		h.oauthFailure(w, err)
		return
	}
	if err := h.establish(w, r, user); err != nil {
		h.oauthFailure(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
