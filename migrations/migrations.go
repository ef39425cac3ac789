// Package migrations embeds the SQL schema applied by ingestctl migrate.
package migrations

import "embed"

//go:embed sql/*.sql
var Files embed.FS
