// Package migrations embeds the ordered, forward-only SQL migrations applied
// by the Postgres store backend on startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
