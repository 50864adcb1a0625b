package opstore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/outlet-sync/outlet/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies every pending goose migration embedded in this
// package, grounded on the teacher pack's tonimelisma-onedrive-go
// internal/sync/migrations.go (goose v3 Provider API, no package-level
// global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "creating migration sub-filesystem")
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return errors.Wrap(err, "creating migration provider")
	}

	_, err = provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "running op store migrations")
	}
	return nil
}
