package api

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

//go:embed web
var webFS embed.FS

func NewRouter(apiHandler *APIHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling
	r.Use(apiHandler.LoadSession)

	static, err := fs.Sub(webFS, "web/static")
	if err != nil {
		panic(err) // embedded at build time
	}
	r.Get("/", indexHandler)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Accounts
	r.Post("/signup", apiHandler.SignupHandler)
	r.Post("/login", apiHandler.LoginHandler)
	r.Post("/logout", apiHandler.LogoutHandler)
	r.Get("/check_session", apiHandler.CheckSessionHandler)
	r.Get("/google-login", apiHandler.GoogleLoginHandler)
	r.Get(callbackPath, apiHandler.GoogleCallbackHandler)

	// Conversations
	r.Get("/get_conversations", apiHandler.ListConversationsHandler)
	r.Get("/get_messages/{conversationID}", apiHandler.GetMessagesHandler)
	r.Post("/chat", apiHandler.ChatHandler)

	return r
}

func indexHandler(w http.ResponseWriter, r *http.Request) {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		http.Error(w, "page not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}
