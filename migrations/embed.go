// Package migrations embeds the Keyrelay SQLite schema into the binary.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory, passed to
// database.DB.Migrate at startup.
//
//go:embed *.sql
var FS embed.FS
