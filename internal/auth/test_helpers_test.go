package auth

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nerrad567/keyrelay/internal/infrastructure/database"
	"github.com/nerrad567/keyrelay/migrations"
)

// testDB opens a migrated SQLite database in a temp directory.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "auth.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

// createUser inserts an active user with an active key.
func createUser(t *testing.T, repo *SQLiteUserRepository, username string) *User {
	t.Helper()
	u := &User{
		Username:       username,
		Email:          username + "@example.com",
		IsActive:       true,
		IsAPIKeyActive: true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(%q) error = %v", username, err)
	}
	return u
}
