// Package migrations embeds the SQL schema history so it ships inside the
// compiled binary instead of requiring a separate file deploy.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
