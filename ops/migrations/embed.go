// Package migrations ships the SQL schema with the binaries.
package migrations

import "embed"

// Dir is the root of the migration files inside FS.
const Dir = "sql"

// FS holds sql/*.up.sql and sql/*.down.sql.
//
//go:embed sql/*.sql
var FS embed.FS
