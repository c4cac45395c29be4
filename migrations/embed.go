// Package migrations compiles the schema SQL into the binary, so a
// deployed cloud link needs no migration files on disk. Importing the
// package (the daemon does so for side effects) hands the embedded
// filesystem to the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-cloud/internal/infrastructure/database"
)

//go:embed *.sql
var schemaFS embed.FS

func init() {
	database.MigrationsFS = schemaFS
	// The .sql files sit at the root of the embedded FS, not under a
	// migrations/ prefix.
	database.MigrationsDir = "."
}
