// Package migrations embeds the SQL schema files applied by db.MigrateUp.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
