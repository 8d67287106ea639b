// Package dbmigrations exposes embedded SQL migrations for Orbit binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Orbit binaries.
//
//go:embed *.sql
var Files embed.FS
