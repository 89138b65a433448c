// Package migrations embeds the postgres schema.
package migrations

import "embed"

// Files holds the ordered migration scripts.
//
//go:embed *.sql
var Files embed.FS
