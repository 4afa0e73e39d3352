// Package dbmigrations exposes embedded SQL migrations for hub binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into hub binaries.
//
//go:embed *.sql
var Files embed.FS
