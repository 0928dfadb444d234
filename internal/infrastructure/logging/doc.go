// Package logging provides structured logging for Keyrelay.
//
// It wraps log/slog so every entry carries the service name and build
// version. Components derive their own logger with With:
//
//	logger := logging.New(cfg.Logging, version)
//	wsLogger := logger.With("component", "websocket")
//	wsLogger.Info("session authenticated", "user", user.Username)
//
// Never log full API keys outside the one-time bootstrap message.
// Use a prefix instead:
//
//	logger.Info("key regenerated", "key_prefix", auth.KeyPrefix(key))
package logging
