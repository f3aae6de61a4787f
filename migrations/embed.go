// Package migrations embeds the agent_jobs schema so the binary can migrate
// a database without files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
