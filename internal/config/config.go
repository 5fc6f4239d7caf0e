package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration
	HTTPPort       string
	LogLevel       string
	RedisURL       string

	SessionSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	CompletionAPIKey  string
	CompletionAPIURL  string
	CompletionModel   string
	CompletionTimeout time.Duration
}

// Load reads the configuration once at startup. A .env file in the working
// directory is honoured but real environment variables win.
func Load() (*Config, error) {
	cfg := read()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads the configuration for schema setup. Only the database
// settings are checked; the server secrets may be absent.
func LoadDatabase() (*Config, error) {
	cfg := read()
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL must not be empty")
	}
	return cfg, nil
}

func read() *Config {
	_ = godotenv.Load() // Load .env file if it exists

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DATABASE_URL", "duskchat.db")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("SESSION_TTL", 7*24*time.Hour)
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("COMPLETION_API_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("COMPLETION_MODEL", "openai/gpt-4o-mini")
	v.SetDefault("COMPLETION_TIMEOUT", 30*time.Second)

	return &Config{
		DatabaseURL:    v.GetString("DATABASE_URL"),
		DBMaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLife:  v.GetDuration("DB_CONN_MAX_LIFETIME"),
		HTTPPort:       v.GetString("HTTP_PORT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		RedisURL:       v.GetString("REDIS_URL"),

		SessionSecret: v.GetString("SECRET_KEY"),
		SessionTTL:    v.GetDuration("SESSION_TTL"),
		CookieSecure:  v.GetBool("COOKIE_SECURE"),

		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
		OAuthRedirectURL:   v.GetString("OAUTH_REDIRECT_URL"),

		CompletionAPIKey:  v.GetString("API_KEY"),
		CompletionAPIURL:  v.GetString("COMPLETION_API_URL"),
		CompletionModel:   v.GetString("COMPLETION_MODEL"),
		CompletionTimeout: v.GetDuration("COMPLETION_TIMEOUT"),
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("SECRET_KEY environment variable is required"))
	}
	if c.CompletionAPIKey == "" {
		errs = append(errs, errors.New("API_KEY environment variable is required"))
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COMPLETION_TIMEOUT must be positive, got %s", c.CompletionTimeout))
	}
	return errors.Join(errs...)
}

// GoogleEnabled reports whether Google sign-in has credentials.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
