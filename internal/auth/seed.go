package auth

import (
	"context"
	"fmt"
	"log/slog"
)

// BootstrapUsername is the staff account created on an empty store.
const BootstrapUsername = "admin"

// SeedAdmin creates a staff account on first boot if no users exist and
// logs its API key once. Returns the key, or "" if seeding was skipped.
func SeedAdmin(ctx context.Context, users UserRepository, logger *slog.Logger) (string, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}

	if count > 0 {
		logger.Info("users exist, skipping admin seed")
		return "", nil
	}

	admin := &User{
		Username:       BootstrapUsername,
		IsStaff:        true,
		IsActive:       true,
		IsAPIKeyActive: true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	logger.Warn("seed admin account created",
		"username", admin.Username,
		"api_key", admin.APIKey,
		"action_required", "store this key; it is not shown again",
	)

	return admin.APIKey, nil
}
