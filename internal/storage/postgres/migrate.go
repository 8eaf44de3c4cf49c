package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Direction selects which way Migrate moves the schema.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// MigrationResult reports the schema version after Migrate.
type MigrationResult struct {
	Version  uint
	Dirty    bool
	NoChange bool
}

// Migrate applies the SQL migrations found in dir to the database at dsn.
//
// Precondition: dir must contain golang-migrate style *.up.sql / *.down.sql files;
// steps of 0 means all pending migrations.
// Postcondition: Returns the resulting schema version, or an error. A run with
// nothing to apply is not an error and sets NoChange.
func Migrate(dsn, dir string, direction Direction, steps int) (MigrationResult, error) {
	m, err := newMigrator(dsn, dir)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	switch direction {
	case Up:
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case Down:
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return MigrationResult{}, fmt.Errorf("invalid direction %q: must be 'up' or 'down'", direction)
	}

	var res MigrationResult
	if errors.Is(err, migrate.ErrNoChange) {
		res.NoChange = true
	} else if err != nil {
		return MigrationResult{}, fmt.Errorf("migrating %s: %w", direction, err)
	}

	res.Version, res.Dirty, err = version(m)
	if err != nil {
		return MigrationResult{}, err
	}
	return res, nil
}

// MigrationStatus reports the current schema version without changing it.
// An empty schema reports version 0.
func MigrationStatus(dsn, dir string) (MigrationResult, error) {
	m, err := newMigrator(dsn, dir)
	if err != nil {
		return MigrationResult{}, err
	}
	defer m.Close()

	var res MigrationResult
	res.Version, res.Dirty, err = version(m)
	if err != nil {
		return MigrationResult{}, err
	}
	res.NoChange = true
	return res, nil
}

func newMigrator(dsn, dir string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrator for %s: %w", dir, err)
	}
	return m, nil
}

func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return v, dirty, nil
}
