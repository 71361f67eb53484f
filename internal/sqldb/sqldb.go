// Package sqldb implements the relational engine layer: per-dialect
// connection setup, create-all schema bootstrap, migrations for the embedded
// single-file variant, and the dialect strategy used by the query engine.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "modernc.org/sqlite"             // pure-Go SQLite driver
)

// DB wraps a sql.DB with its dialect. All queries are written with
// ?-placeholders and rebound for engines with positional parameters.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens a database for the named dialect ("sqlite", "postgres",
// "mysql") and applies per-engine connection setup. For sqlite the DSN is a
// file path and busy-timeout/foreign-key pragmas are applied; for mysql parseTime is
// forced so timestamp columns scan as time.Time.
func Open(dialectName, dsn string) (*DB, error) {
	dialect, err := DialectByName(dialectName)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name() {
	case DialectSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db %s: %w", dsn, err)
		}
		// Single-writer engine: one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("exec %q on %s: %w", p, dsn, err)
			}
		}

	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}

	case DialectMySQL:
		db, err = sql.Open("mysql", withMySQLParseTime(dsn))
		if err != nil {
			return nil, fmt.Errorf("open mysql db: %w", err)
		}
	}

	return &DB{db: db, dialect: dialect}, nil
}

// withMySQLParseTime ensures parseTime=true is present in a mysql DSN.
func withMySQLParseTime(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "parseTime=true"
}

// Dialect returns the dialect selected at open time.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// ExecContext executes a ?-placeholder query after rebinding.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryContext runs a ?-placeholder query after rebinding.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
}

// QueryRowContext runs a ?-placeholder single-row query after rebinding.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// BeginTx starts a transaction sharing the dialect rebinding.
func (d *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: d.dialect}, nil
}

// InitDB executes a create-all DDL script statement by statement, so that
// drivers without multi-statement support (mysql) behave like the others.
func (d *DB) InitDB(ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("init ddl: %w", err)
		}
	}
	return nil
}

// Tx wraps a sql.Tx with dialect rebinding.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// ExecContext executes a ?-placeholder statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryContext runs a ?-placeholder query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRowContext runs a ?-placeholder single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// timeLayout is the canonical timestamp text format written to every
// engine: UTC, space-separated, microsecond precision. All three engines
// accept it as a timestamp literal and sqlite's date functions understand it.
const timeLayout = "2006-01-02 15:04:05.000000"

// FormatTime renders a timestamp in the canonical storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

var scanLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02",
}

// ParseTime parses any timestamp text an engine may hand back.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range scanLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// NullTime scans a nullable timestamp from any engine: sqlite hands back
// text, postgres and mysql hand back time.Time.
type NullTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (n *NullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		t, err := ParseTime(v)
		if err != nil {
			return err
		}
		n.Time, n.Valid = t, true
		return nil
	case []byte:
		t, err := ParseTime(string(v))
		if err != nil {
			return err
		}
		n.Time, n.Valid = t, true
		return nil
	default:
		return fmt.Errorf("cannot scan %T into NullTime", value)
	}
}
