package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern allows alphanumerics, dots, hyphens, underscores and @,
// 1-150 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9.@_+-]{1,150}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// User is an account that owns exactly one API key.
//
// APIKey is always DeriveAPIKey(ID, APIKeySeed); it is recomputed on every
// read and never accepted from storage as-is.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	IsStaff        bool      `json:"is_staff"`
	IsActive       bool      `json:"is_active"`
	APIKeySeed     string    `json:"-"`
	APIKey         string    `json:"-"`
	IsAPIKeyActive bool      `json:"is_api_key_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Sentinel errors for auth operations.
var (
	// ErrInvalidAPIKey covers every authentication failure: unknown key,
	// malformed key, deactivated key, inactive account. Callers must not be
	// able to tell these apart.
	ErrInvalidAPIKey = errors.New("invalid API key")

	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
	ErrInvalidUser    = errors.New("invalid username")
)
