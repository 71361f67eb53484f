// Package repos implements typed repositories over the relational schema:
// a small generic criteria-based repository plus specialized helpers for
// transactions, messages, blobs, users, tags, flags and metrics.
//
// All SQL is written with ?-placeholders and rebound by sqldb for the
// configured engine; criteria maps are rendered with sorted keys so the
// generated SQL is deterministic.
package repos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/msqd/harp-sub001/internal/sqldb"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("repos: not found")

// Criteria is a column=value conjunction; a nil value means IS NULL.
type Criteria map[string]any

type scanner interface {
	Scan(dest ...any) error
}

// Repository is the generic criteria-based repository shared by the
// entity repositories. T is the scanned entity type; scanRow maps one row
// (in column order) to it.
type Repository[T any] struct {
	db      *sqldb.DB
	table   string
	columns string
	scanRow func(s scanner) (*T, error)
}

func newRepository[T any](db *sqldb.DB, table, columns string, scanRow func(s scanner) (*T, error)) Repository[T] {
	return Repository[T]{db: db, table: table, columns: columns, scanRow: scanRow}
}

// whereClause renders a criteria conjunction with deterministic key order.
// Returns the clause with leading " WHERE " or "" when empty.
func whereClause(c Criteria) (string, []any) {
	if len(c) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		v := c[k]
		if v == nil {
			preds = append(preds, k+" IS NULL")
			continue
		}
		preds = append(preds, k+" = ?")
		args = append(args, v)
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

// Select returns all rows matching the criteria, in storage order.
func (r *Repository[T]) Select(ctx context.Context, c Criteria) ([]*T, error) {
	where, args := whereClause(c)
	rows, err := r.db.QueryContext(ctx, "SELECT "+r.columns+" FROM "+r.table+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", r.table, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count counts rows matching the criteria.
func (r *Repository[T]) Count(ctx context.Context, c Criteria) (int64, error) {
	where, args := whereClause(c)
	var n int64
	row := r.db.QueryRowContext(ctx, "SELECT count(*) FROM "+r.table+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", r.table, err)
	}
	return n, nil
}

// Delete removes rows matching the criteria and returns how many went away.
func (r *Repository[T]) Delete(ctx context.Context, c Criteria) (int64, error) {
	where, args := whereClause(c)
	res, err := r.db.ExecContext(ctx, "DELETE FROM "+r.table+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", r.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // drivers without RowsAffected still deleted
	}
	return n, nil
}

// Update applies a values map to rows matching the criteria.
func (r *Repository[T]) Update(ctx context.Context, c Criteria, values map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, values[k])
	}
	where, whereArgs := whereClause(c)
	args = append(args, whereArgs...)

	res, err := r.db.ExecContext(ctx, "UPDATE "+r.table+" SET "+strings.Join(sets, ", ")+where, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", r.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr
	}
	return n, nil
}

// FindOne returns the single row matching the criteria. ErrNotFound on
// zero matches; an error on more than one, since the caller asked for
// exactly one.
func (r *Repository[T]) FindOne(ctx context.Context, c Criteria) (*T, error) {
	where, args := whereClause(c)
	rows, err := r.db.QueryContext(ctx, "SELECT "+r.columns+" FROM "+r.table+where+" LIMIT 2", args...)
	if err != nil {
		return nil, fmt.Errorf("find one %s: %w", r.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	t, err := r.scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s row: %w", r.table, err)
	}
	if rows.Next() {
		return nil, fmt.Errorf("find one %s: multiple rows match %v", r.table, c)
	}
	return t, rows.Err()
}

// FindOneByID looks a row up by primary key.
func (r *Repository[T]) FindOneByID(ctx context.Context, id any) (*T, error) {
	return r.FindOne(ctx, Criteria{"id": id})
}

// Create inserts a values map as a new row. It deliberately does not
// report the generated id: not every engine supports LastInsertId, so
// callers needing the row read it back by its unique columns.
func (r *Repository[T]) Create(ctx context.Context, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	marks := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, values[k])
		marks = append(marks, "?")
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO "+r.table+" ("+strings.Join(keys, ", ")+") VALUES ("+strings.Join(marks, ", ")+")",
		args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.table, err)
	}
	return nil
}

// FindOrCreateOne is an idempotent get-or-insert: find by criteria,
// insert criteria+defaults on miss, and tolerate a duplicate-key race by
// re-reading. The criteria must cover a unique constraint for the
// idempotence to hold.
func (r *Repository[T]) FindOrCreateOne(ctx context.Context, c Criteria, defaults map[string]any) (*T, error) {
	t, err := r.FindOne(ctx, c)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	values := make(map[string]any, len(c)+len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	for k, v := range c {
		if v != nil {
			values[k] = v
		}
	}
	if err := r.Create(ctx, values); err != nil && !r.db.Dialect().IsUniqueViolation(err) {
		return nil, err
	}
	return r.FindOne(ctx, c)
}

// inChunkSize bounds the number of placeholders per IN query.
const inChunkSize = 500

func chunkStrings(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// placeholders renders "?, ?, ..., ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
