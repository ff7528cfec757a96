// Package db owns the signalhub schema: embedded SQL migrations and the
// golang-migrate runner that applies them.
package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
