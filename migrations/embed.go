// Package migrations holds the tenant schema, applied by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
