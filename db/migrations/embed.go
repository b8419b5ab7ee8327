// Package dbmigrations exposes the packet archive schema migrations embedded into aisbus binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
