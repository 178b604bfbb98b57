// Package dbmigrations exposes embedded SQL migrations for execd binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into execd binaries.
//
//go:embed *.sql
var Files embed.FS
