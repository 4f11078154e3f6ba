package migrations

import "embed"

// Files holds the schema as NNN_description.sql files applied in name order.
//
//go:embed *.sql
var Files embed.FS
