package sqldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Migrate applies embedded schema migrations for the sqlite dialect. The
// other engines are owned by the external migration tool and return an
// error so callers fall back deliberately rather than silently.
func Migrate(d *DB) error {
	if d.dialect.Name() != DialectSQLite {
		return fmt.Errorf("migrate: embedded migrations only cover sqlite, not %s", d.dialect.Name())
	}
	return migrateSQLiteDB(d.db)
}

func migrateSQLiteDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// Bootstrap prepares a fresh schema: embedded migrations for sqlite,
// create-all DDL for the server engines when createAll is set. With
// createAll unset, postgres and mysql schemas are expected to exist
// already (external migration tool).
func Bootstrap(d *DB, createAll bool) error {
	if d.dialect.Name() == DialectSQLite {
		return Migrate(d)
	}
	if !createAll {
		return nil
	}
	ddl, err := CreateDDL(d.dialect)
	if err != nil {
		return err
	}
	return d.InitDB(ddl)
}
