// Package migrations holds the SQL schema for build history.
package migrations

import "embed"

// FS contains the migration files in apply order.
//
//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must run.
var Files = []string{
	"001_create_jobs.sql",
	"002_create_executions.sql",
}
