package migrations

import "embed"

// FS contains embedded SQLite migrations for formation storage.
//
//go:embed *.sql
var FS embed.FS
