package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/swoon/internal/store/migrations"
)

// MigrateResult reports the schema version before and after Migrate.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// ErrDirtySchema means a previous migration failed halfway. The database
// needs manual repair before the daemon can use it.
var ErrDirtySchema = errors.New("schema is dirty")

// Migrate brings swoon.db up to the latest embedded schema.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return nil, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return nil, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migration up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	return &MigrateResult{From: from, Version: version, Changed: version != from}, nil
}
