package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Authenticator resolves presented API keys to accounts. It is shared by
// the REST middleware and the WebSocket handshake and never mutates
// credentials.
type Authenticator struct {
	users  UserRepository
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator backed by users.
func NewAuthenticator(users UserRepository, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{users: users, logger: logger}
}

// Authenticate returns the account owning key, or ErrInvalidAPIKey.
// Store failures are returned wrapped so callers can tell an outage
// from a rejection.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*User, error) {
	if !WellFormedAPIKey(key) {
		return nil, ErrInvalidAPIKey
	}

	user, err := a.users.GetByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			a.logger.Debug("api key rejected", "key_prefix", KeyPrefix(key))
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	return user, nil
}
