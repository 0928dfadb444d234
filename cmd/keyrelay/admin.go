package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/infrastructure/database"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/migrations"
)

// adminStore is the database handle behind the administration commands.
type adminStore struct {
	db    *database.DB
	users *auth.SQLiteUserRepository
	audit *audit.SQLiteRepository
	log   *logging.Logger
}

// openAdminStore opens the configured database. Logging goes to stderr at
// warn level so command output stays clean.
func openAdminStore(ctx context.Context, configPath string) (*adminStore, error) {
	cfg, err := loadConfig(resolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := cfg.Logging
	logCfg.Level = "warn"
	log := logging.NewWithWriter(logCfg, version, os.Stderr).With("component", "cli")

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &adminStore{
		db:    db,
		users: auth.NewUserRepository(db.DB),
		audit: audit.NewSQLiteRepository(db.DB),
		log:   log,
	}, nil
}

func (s *adminStore) close() {
	closeDatabase(s.db, s.log)
}

// record writes an audit entry synchronously. Failures are logged; the
// change itself has already been committed.
func (s *adminStore) record(ctx context.Context, action string, user *auth.User, details map[string]any) {
	entry := &audit.AuditLog{
		Action:     action,
		EntityType: "user",
		EntityID:   user.ID,
		Source:     audit.SourceCLI,
		Details:    details,
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.log.Warn("failed to record audit log", "action", action, "error", err)
	}
}

func (s *adminStore) userByName(ctx context.Context, username string) (*auth.User, error) {
	if username == "" {
		return nil, errors.New("--username is required")
	}
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", username, err)
	}
	return user, nil
}

func usersCommand(ctx context.Context, out io.Writer) *Command {
	return &Command{
		Name:    "users",
		Summary: "Manage user accounts",
		Subcommands: []*Command{
			usersCreateCommand(ctx, out),
			usersListCommand(ctx, out),
			usersDeleteCommand(ctx, out),
		},
	}
}

func usersCreateCommand(ctx context.Context, out io.Writer) *Command {
	var (
		configPath string
		username   string
		email      string
		staff      bool
	)
	return &Command{
		Name:    "create",
		Summary: "Create an account and print its API key",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVar(&username, "username", "", "account username (required)")
			fs.StringVar(&email, "email", "", "contact email")
			fs.BoolVar(&staff, "staff", false, "grant staff access")
			return fs
		},
		Run: func([]string) error {
			if username == "" {
				return errors.New("--username is required")
			}
			store, err := openAdminStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer store.close()

			user := &auth.User{
				Username:       username,
				Email:          email,
				IsStaff:        staff,
				IsActive:       true,
				IsAPIKeyActive: true,
			}
			if err := store.users.Create(ctx, user); err != nil {
				return fmt.Errorf("creating user: %w", err)
			}
			store.record(ctx, audit.ActionUserCreated, user, map[string]any{
				"username": user.Username,
				"is_staff": user.IsStaff,
			})

			fmt.Fprintf(out, "created user %s (%s)\n", user.Username, user.ID)
			fmt.Fprintf(out, "api key: %s\n", user.APIKey)
			return nil
		},
	}
}

func usersListCommand(ctx context.Context, out io.Writer) *Command {
	var configPath string
	return &Command{
		Name:    "list",
		Summary: "List accounts",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func([]string) error {
			store, err := openAdminStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer store.close()

			users, err := store.users.List(ctx)
			if err != nil {
				return fmt.Errorf("listing users: %w", err)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tSTAFF\tACTIVE\tKEY\tKEY ACTIVE")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%t\n",
					u.ID, u.Username, u.IsStaff, u.IsActive, auth.KeyPrefix(u.APIKey), u.IsAPIKeyActive)
			}
			return tw.Flush()
		},
	}
}

func usersDeleteCommand(ctx context.Context, out io.Writer) *Command {
	var configPath, username string
	return &Command{
		Name:    "delete",
		Summary: "Delete an account and its API key",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVar(&username, "username", "", "account username (required)")
			return fs
		},
		Run: func([]string) error {
			store, err := openAdminStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer store.close()

			user, err := store.userByName(ctx, username)
			if err != nil {
				return err
			}
			if err := store.users.Delete(ctx, user.ID); err != nil {
				return fmt.Errorf("deleting user: %w", err)
			}
			store.record(ctx, audit.ActionUserDeleted, user, map[string]any{"username": user.Username})

			fmt.Fprintf(out, "deleted user %s\n", user.Username)
			return nil
		},
	}
}

func keysCommand(ctx context.Context, out io.Writer) *Command {
	return &Command{
		Name:    "keys",
		Summary: "Manage API keys",
		Subcommands: []*Command{
			keysRegenerateCommand(ctx, out),
			keysToggleCommand(ctx, out, "activate", true),
			keysToggleCommand(ctx, out, "deactivate", false),
		},
	}
}

func keysRegenerateCommand(ctx context.Context, out io.Writer) *Command {
	var configPath, username string
	return &Command{
		Name:    "regenerate",
		Summary: "Replace a user's API key and print the new one",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("regenerate", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVar(&username, "username", "", "account username (required)")
			return fs
		},
		Run: func([]string) error {
			store, err := openAdminStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer store.close()

			user, err := store.userByName(ctx, username)
			if err != nil {
				return err
			}
			oldPrefix := auth.KeyPrefix(user.APIKey)

			user, err = store.users.RegenerateAPIKey(ctx, user.ID)
			if err != nil {
				return fmt.Errorf("regenerating key: %w", err)
			}
			store.record(ctx, audit.ActionAPIKeyRegenerated, user, map[string]any{
				"old_key_prefix": oldPrefix,
				"new_key_prefix": auth.KeyPrefix(user.APIKey),
			})

			fmt.Fprintf(out, "api key: %s\n", user.APIKey)
			return nil
		},
	}
}

func keysToggleCommand(ctx context.Context, out io.Writer, name string, active bool) *Command {
	var configPath, username string

	action := audit.ActionAPIKeyDeactivated
	summary := "Reject a user's API key until it is activated again"
	if active {
		action = audit.ActionAPIKeyActivated
		summary = "Accept a user's API key again"
	}

	return &Command{
		Name:    name,
		Summary: summary,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.StringVar(&username, "username", "", "account username (required)")
			return fs
		},
		Run: func([]string) error {
			store, err := openAdminStore(ctx, configPath)
			if err != nil {
				return err
			}
			defer store.close()

			user, err := store.userByName(ctx, username)
			if err != nil {
				return err
			}
			if err := store.users.SetAPIKeyActive(ctx, user.ID, active); err != nil {
				return fmt.Errorf("updating key: %w", err)
			}
			store.record(ctx, action, user, map[string]any{"key_prefix": auth.KeyPrefix(user.APIKey)})

			fmt.Fprintf(out, "api key for %s %sd\n", user.Username, name)
			return nil
		},
	}
}

func migrateCommand(ctx context.Context, out io.Writer) *Command {
	var (
		configPath string
		dryRun     bool
	)
	return &Command{
		Name:    "migrate",
		Summary: "Apply pending database migrations",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			fs.BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
			return fs
		},
		Run: func([]string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := database.Open(database.Config{
				Path:        cfg.Database.Path,
				WALMode:     cfg.Database.WALMode,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close() //nolint:errcheck // read-mostly command

			pending, err := db.PendingMigrations(ctx, migrations.FS)
			if err != nil {
				return fmt.Errorf("listing migrations: %w", err)
			}
			for _, m := range pending {
				fmt.Fprintf(out, "pending: %s_%s\n", m.Version, m.Name)
			}
			if dryRun || len(pending) == 0 {
				fmt.Fprintf(out, "%d pending migration(s)\n", len(pending))
				return nil
			}

			if err := db.Migrate(ctx, migrations.FS); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			fmt.Fprintf(out, "applied %d migration(s)\n", len(pending))
			return nil
		},
	}
}
