package migrations

import "embed"

// FS contains embedded SQLite migrations for session state storage.
//
//go:embed *.sql
var FS embed.FS
