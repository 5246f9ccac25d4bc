// Package migrations contains the PostgreSQL schema migrations.
package migrations

import "embed"

// FS contains the migration files.
//
//go:embed *.sql
var FS embed.FS
