package store

import (
	"embed"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/themeflow/themeflow/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations from the embedded files.
// An up-to-date schema is not an error.
func (s *PostgresStore) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.migrate: open source")
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.migrate: create driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.migrate: create migrator")
	}

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.migrate: apply")
	}

	version, dirty, err := m.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, errors.CodeStoreUnavailable, "store.migrate: read version")
	}
	s.logger.Info("schema migrated", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
