// Package migrations embeds the goose SQL migration files so they ship
// inside the compiled binary instead of as loose files on disk.
package migrations

import "embed"

// FS holds every *.sql migration file, consumed by goose.SetBaseFS in
// internal/store/postgres.
//
//go:embed *.sql
var FS embed.FS
