package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gwi.com/duskchat/internal/auth"
	"gwi.com/duskchat/internal/store"
)

// maxUsernameAttempts bounds the suffixes tried when an OAuth display name is
// already taken as a username.
const maxUsernameAttempts = 20

type AccountService struct {
	logger *zap.Logger
}

func NewAccountService(logger *zap.Logger) *AccountService {
	return &AccountService{logger: logger}
}

type SignupInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *AccountService) Signup(ctx context.Context, db store.Handle, in SignupInput) (*store.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" || email == "" || in.Password == "" {
		return nil, ErrValidation
	}

	exists, err := db.UserExists(ctx, username, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing users: %w", err)
	}
	if exists {
		return nil, ErrConflict
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user, err := db.CreateUser(ctx, username, email, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user signed up", zap.Int64("user_id", user.ID))
	return user, nil
}

func (s *AccountService) Login(ctx context.Context, db store.Handle, email, password string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrValidation
	}

	user, err := db.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// SignInWithProfile returns the local account for an identity-provider
// profile, creating a password-less one on first sign-in.
func (s *AccountService) SignInWithProfile(ctx context.Context, db store.Handle, profile *auth.Profile) (*store.User, error) {
	user, err := db.FindUserByEmail(ctx, profile.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	base := profile.DisplayName()
	for i := 1; i <= maxUsernameAttempts; i++ {
		username := base
		if i > 1 {
			username = fmt.Sprintf("%s-%d", base, i)
		}
		user, err = db.CreateUser(ctx, username, profile.Email, auth.OAuthPasswordSentinel)
		if err == nil {
			s.logger.Info("user created from oauth profile", zap.Int64("user_id", user.ID))
			return user, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		// The conflict may be on the email: a concurrent sign-in created the
		// account first.
		if user, err := db.FindUserByEmail(ctx, profile.Email); err == nil {
			return user, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
	}
	return nil, fmt.Errorf("no free username for %q after %d attempts", base, maxUsernameAttempts)
}
