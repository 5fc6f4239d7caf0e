package core

import "errors"

var (
	ErrValidation         = errors.New("missing required fields")
	ErrConflict           = errors.New("username or email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotFound           = errors.New("conversation not found")
)
