// Package migrations embeds the schema migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_runs.sql",
	"002_create_tasks.sql",
	"003_create_execution_logs.sql",
}
