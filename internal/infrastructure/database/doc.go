// Package database provides SQLite connectivity for Keyrelay.
//
// It opens the store with WAL and a busy timeout, restricts the file to
// 0600, and applies embedded forward migrations:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// All queries in dependent packages use parameterised statements.
package database
