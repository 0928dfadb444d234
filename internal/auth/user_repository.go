package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxSeedAttempts bounds retries when a freshly generated seed or its
// derived key collides with an existing row.
const maxSeedAttempts = 3

const userColumns = "id, username, email, is_staff, is_active, api_key_seed, is_api_key_active, created_at, updated_at"

// UserRepository persists accounts and their API credentials.
type UserRepository interface {
	// Create issues a credential for a new account. ID and seed are
	// generated when empty.
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByAPIKey resolves a presented key to its owner. Unknown keys,
	// deactivated keys and inactive accounts all return ErrInvalidAPIKey.
	GetByAPIKey(ctx context.Context, key string) (*User, error)

	// RegenerateAPIKey replaces the seed. The previous key stops
	// validating as soon as this returns.
	RegenerateAPIKey(ctx context.Context, id string) (*User, error)
	SetAPIKeyActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context) ([]User, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
}

// SQLiteUserRepository implements UserRepository using SQLite.
type SQLiteUserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new SQLite-backed user repository.
func NewUserRepository(db *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

// Create inserts a new account with a derived API key.
func (r *SQLiteUserRepository) Create(ctx context.Context, user *User) error {
	if !IsValidUsername(user.Username) {
		return ErrInvalidUser
	}
	if user.ID == "" {
		user.ID = "usr-" + uuid.NewString()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	user.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	user.UpdatedAt = user.CreatedAt

	callerSeed := user.APIKeySeed != ""
	for attempt := 1; ; attempt++ {
		if !callerSeed {
			seed, err := NewAPIKeySeed()
			if err != nil {
				return err
			}
			user.APIKeySeed = seed
		}
		user.APIKey = DeriveAPIKey(user.ID, user.APIKeySeed)

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO users (id, username, email, is_staff, is_active, api_key_seed, api_key, is_api_key_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			user.ID, user.Username, user.Email, boolToInt(user.IsStaff), boolToInt(user.IsActive),
			user.APIKeySeed, user.APIKey, boolToInt(user.IsAPIKeyActive), now, now,
		)
		if err == nil {
			return nil
		}

		switch {
		case uniqueViolationOn(err, "users.username"):
			return ErrUsernameExists
		case (uniqueViolationOn(err, "users.api_key_seed") || uniqueViolationOn(err, "users.api_key")) &&
			!callerSeed && attempt < maxSeedAttempts:
			continue
		default:
			return fmt.Errorf("creating user: %w", err)
		}
	}
}

// GetByID retrieves a user by their unique ID.
func (r *SQLiteUserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

// GetByUsername retrieves a user by their username.
func (r *SQLiteUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
}

// GetByAPIKey looks the key up through the cached api_key column, then
// recomputes the key from (id, seed) and compares in constant time.
func (r *SQLiteUserRepository) GetByAPIKey(ctx context.Context, key string) (*User, error) {
	u, err := r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE api_key = ?", key)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if !matchesAPIKey(u, key) || !u.IsAPIKeyActive || !u.IsActive {
		return nil, ErrInvalidAPIKey
	}
	return u, nil
}

// RegenerateAPIKey replaces the user's seed and rewrites the cached key.
func (r *SQLiteUserRepository) RegenerateAPIKey(ctx context.Context, id string) (*User, error) {
	for attempt := 1; ; attempt++ {
		seed, err := NewAPIKeySeed()
		if err != nil {
			return nil, err
		}
		key := DeriveAPIKey(id, seed)
		now := time.Now().UTC().Format(time.RFC3339)

		result, err := r.db.ExecContext(ctx,
			`UPDATE users SET api_key_seed = ?, api_key = ?, updated_at = ? WHERE id = ?`,
			seed, key, now, id,
		)
		if err != nil {
			if isUniqueViolation(err) && attempt < maxSeedAttempts {
				continue
			}
			return nil, fmt.Errorf("regenerating api key: %w", err)
		}

		rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
		if rows == 0 {
			return nil, ErrUserNotFound
		}
		return r.GetByID(ctx, id)
	}
}

// SetAPIKeyActive enables or disables a user's key without changing it.
func (r *SQLiteUserRepository) SetAPIKeyActive(ctx context.Context, id string, active bool) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_api_key_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), now, id,
	)
	if err != nil {
		return fmt.Errorf("updating api key status: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List returns all users ordered by creation date.
func (r *SQLiteUserRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at ASC, username ASC")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUserFrom(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// Count returns the total number of user accounts.
func (r *SQLiteUserRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// Delete removes an account together with its credential.
func (r *SQLiteUserRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *SQLiteUserRepository) getUser(ctx context.Context, query string, args ...any) (*User, error) {
	return scanUserFrom(r.db.QueryRowContext(ctx, query, args...))
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanUserFrom reads one row and derives APIKey from the stored seed.
func scanUserFrom(s scanner) (*User, error) {
	var u User
	var isStaff, isActive, keyActive int
	var createdAt, updatedAt string

	err := s.Scan(&u.ID, &u.Username, &u.Email, &isStaff, &isActive,
		&u.APIKeySeed, &keyActive, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.IsStaff = isStaff != 0
	u.IsActive = isActive != 0
	u.IsAPIKeyActive = keyActive != 0
	u.APIKey = DeriveAPIKey(u.ID, u.APIKeySeed)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// uniqueViolationOn reports whether err is a UNIQUE failure on column,
// given as "table.column".
func uniqueViolationOn(err error, column string) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), column)
}
