// Package migrations embeds SQL migration files into the binary.
//
// Each dialect has its own directory (sqlite3, postgres) so the schema can
// use native timestamp types and append-only triggers.
package migrations

import (
	"embed"

	"github.com/Pycube-FP/Pycube-MDM/internal/infrastructure/database"
)

//go:embed sqlite3/*.sql postgres/*.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
