package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gwi.com/duskchat/internal/api"
	"gwi.com/duskchat/internal/auth"
	"gwi.com/duskchat/internal/config"
	"gwi.com/duskchat/internal/core"
	"gwi.com/duskchat/internal/logging"
	"gwi.com/duskchat/internal/store"
)

func main() {
	// Command line flag for schema setup
	initDBFlag := flag.Bool("init-db", false, "Create the database schema and exit")
	flag.Parse()

	if *initDBFlag {
		initDB()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dbStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbStore.Close()

	// Session storage: Redis when configured so sessions survive restarts.
	var sessionStore auth.SessionStore
	if cfg.RedisURL != "" {
		redisStore, err := auth.NewRedisSessionStore(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisStore.Close()
		sessionStore = redisStore
	} else {
		logger.Warn("REDIS_URL not set, sessions are kept in memory")
		sessionStore = auth.NewMemorySessionStore()
	}
	sessions := auth.NewManager(auth.SessionConfig{
		Secret: cfg.SessionSecret,
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	}, sessionStore, logger)

	var oauthBridge *auth.OAuthBridge
	if cfg.GoogleEnabled() {
		oauthBridge = auth.NewGoogleBridge(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.CookieSecure)
	} else {
		logger.Info("Google sign-in disabled: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set")
	}

	// Initialize completion relay
	relay, err := core.NewCompletionRelay(core.RelayConfig{
		APIKey:  cfg.CompletionAPIKey,
		BaseURL: cfg.CompletionAPIURL,
		Model:   cfg.CompletionModel,
		Timeout: cfg.CompletionTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize completion relay", zap.Error(err))
	}

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.HandlerDeps{
		Store:            dbStore,
		Sessions:         sessions,
		Accounts:         core.NewAccountService(logger),
		Chats:            core.NewChatService(relay, logger),
		OAuth:            oauthBridge,
		OAuthRedirectURL: cfg.OAuthRedirectURL,
		Logger:           logger,
	})
	router := api.NewRouter(apiHandler, logger)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.CompletionTimeout + 30*time.Second, // a chat turn waits on the completion API
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return
	}
	logger.Info("Server exiting gracefully")
}

// openStore opens the configured backend; opening also brings the schema up
// to date.
func openStore(cfg *config.Config) (store.Store, error) {
	return store.Open(cfg.DatabaseURL, store.PoolConfig{
		MaxOpen: cfg.DBMaxOpenConns,
		MaxIdle: cfg.DBMaxIdleConns,
		MaxLife: cfg.DBConnMaxLife,
	})
}

// initDB creates the schema. It needs the database settings only.
func initDB() {
	cfg, err := config.LoadDatabase()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dbStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := dbStore.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	}
	logger.Info("Database schema is ready", zap.Bool("postgres", store.IsPostgresURL(cfg.DatabaseURL)))
}
