// Package query builds the read-side SQL over transactions: conjunctive
// facet filtering, full-text search, count+page pagination and
// time-bucketed aggregates. Per-engine SQL differences go through the
// sqldb dialect; everything here is engine-neutral text.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/repos"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// PageSize is the fixed transaction list page size.
const PageSize = 40

// SearchMode selects the full-text search strategy.
type SearchMode string

// Search modes: auto picks native when the engine has a full-text
// operator, portable forces the LIKE path, native requires the operator
// and fails setup without it.
const (
	SearchAuto     SearchMode = "auto"
	SearchNative   SearchMode = "native"
	SearchPortable SearchMode = "portable"
)

// FlagNullSentinel in a flag facet widens the match to transactions
// carrying no flag for the current user.
const FlagNullSentinel = "NULL"

// Filters is the conjunctive facet set: every populated facet narrows
// the result independently.
type Filters struct {
	Endpoint []string
	Method   []string
	Status   []string // status classes: "2xx", "5xx", "ERR", ...
	Flag     []string // flag names, plus the NULL sentinel
	TpdexMin *int
	TpdexMax *int
}

// ListOptions parameterizes TransactionList.
type ListOptions struct {
	Filters Filters
	Search  string
	Page    int    // 1-based; 0 means first page
	Cursor  string // inclusive id upper bound, "" for none
	UserID  int64  // owner of the flag facet
}

// TimeBucket is one aggregate row of TransactionsGroupedByTimeBucket.
type TimeBucket struct {
	Datetime     time.Time `json:"datetime"`
	Count        int64     `json:"count"`
	Errors       int64     `json:"errors"`
	Cached       int64     `json:"cached"`
	MeanDuration float64   `json:"meanDuration"`
	MeanTpdex    float64   `json:"meanTpdex"`
}

// transactionColumns is repos.TransactionColumns with the list query's
// table alias.
const transactionColumns = "t.id, t.type, t.endpoint, t.started_at, t.finished_at, t.elapsed, t.tpdex, t.method, t.status_class, t.cached, t.no_cache"

// Engine builds and runs read queries. The search strategy is fixed at
// construction so an unsupported native request fails at setup, not on
// the first search.
type Engine struct {
	db     *sqldb.DB
	native bool
}

// NewEngine creates a query engine for the given search mode.
func NewEngine(db *sqldb.DB, mode SearchMode) (*Engine, error) {
	_, hasNative := db.Dialect().FullTextMatch("x")
	switch mode {
	case SearchAuto, "":
		return &Engine{db: db, native: hasNative}, nil
	case SearchPortable:
		return &Engine{db: db, native: false}, nil
	case SearchNative:
		if !hasNative {
			return nil, fmt.Errorf("query: native full-text search not supported on %s", db.Dialect().Name())
		}
		return &Engine{db: db, native: true}, nil
	default:
		return nil, fmt.Errorf("query: unknown search mode %q", mode)
	}
}

// TransactionList returns one page of filtered transactions, newest
// first, plus the total match count. The count runs on the unpaginated
// query so it is stable across pages of one filter set.
func (e *Engine) TransactionList(ctx context.Context, opts ListOptions) ([]*models.Transaction, int64, error) {
	where, args, err := e.buildWhere(opts, true)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	row := e.db.QueryRowContext(ctx, "SELECT count(*) FROM transactions t"+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	page := opts.Page
	if page < 1 {
		page = 1
	}
	q := "SELECT " + transactionColumns + " FROM transactions t" + where +
		" ORDER BY t.started_at DESC LIMIT ? OFFSET ?"
	args = append(args, PageSize, (page-1)*PageSize)

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var items []*models.Transaction
	for rows.Next() {
		t, err := repos.ScanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction row: %w", err)
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// buildWhere renders the conjunctive facet set. withCursor controls
// whether the id upper bound participates; the aggregate queries reuse
// the facet part without it.
func (e *Engine) buildWhere(opts ListOptions, withCursor bool) (string, []any, error) {
	var preds []string
	var args []any

	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = "?"
			args = append(args, v)
		}
		preds = append(preds, column+" IN ("+strings.Join(marks, ", ")+")")
	}
	in("t.endpoint", opts.Filters.Endpoint)
	in("t.method", opts.Filters.Method)
	in("t.status_class", opts.Filters.Status)

	if len(opts.Filters.Flag) > 0 {
		pred, flagArgs, err := flagPredicate(opts.Filters.Flag, opts.UserID)
		if err != nil {
			return "", nil, err
		}
		preds = append(preds, pred)
		args = append(args, flagArgs...)
	}

	if opts.Filters.TpdexMin != nil {
		preds = append(preds, "t.tpdex >= ?")
		args = append(args, *opts.Filters.TpdexMin)
	}
	if opts.Filters.TpdexMax != nil {
		preds = append(preds, "t.tpdex <= ?")
		args = append(args, *opts.Filters.TpdexMax)
	}

	if opts.Search != "" {
		pred, searchArgs := e.searchPredicate(opts.Search)
		preds = append(preds, pred)
		args = append(args, searchArgs...)
	}

	if withCursor && opts.Cursor != "" {
		preds = append(preds, "t.id <= ?")
		args = append(args, opts.Cursor)
	}

	if len(preds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(preds, " AND "), args, nil
}

// flagPredicate matches transactions by the current user's flags. The
// NULL sentinel adds an OR for transactions the user never flagged.
func flagPredicate(flags []string, userID int64) (string, []any, error) {
	var types []int
	withNull := false
	for _, name := range flags {
		if name == FlagNullSentinel {
			withNull = true
			continue
		}
		f, ok := models.FlagTypeByName(name)
		if !ok {
			return "", nil, fmt.Errorf("query: unknown flag %q", name)
		}
		types = append(types, int(f))
	}

	var preds []string
	var args []any
	if len(types) > 0 {
		marks := make([]string, len(types))
		args = append(args, userID)
		for i, ft := range types {
			marks[i] = "?"
			args = append(args, ft)
		}
		preds = append(preds,
			"t.id IN (SELECT uf.transaction_id FROM trans_user_flags uf WHERE uf.user_id = ? AND uf.type IN ("+strings.Join(marks, ", ")+"))")
	}
	if withNull {
		preds = append(preds,
			"NOT EXISTS (SELECT 1 FROM trans_user_flags uf WHERE uf.user_id = ? AND uf.transaction_id = t.id)")
		args = append(args, userID)
	}
	if len(preds) == 1 {
		return preds[0], args, nil
	}
	return "(" + strings.Join(preds, " OR ") + ")", args, nil
}

// searchPredicate matches the term against the transaction endpoint and
// all of its message summaries.
func (e *Engine) searchPredicate(term string) (string, []any) {
	d := e.db.Dialect()
	if e.native {
		endpoint, _ := d.FullTextMatch("t.endpoint")
		summary, _ := d.FullTextMatch("m.summary")
		clean := sqldb.SanitizeFullTextTerm(term)
		return "(" + endpoint +
				" OR EXISTS (SELECT 1 FROM messages m WHERE m.transaction_id = t.id AND " + summary + "))",
			[]any{clean, clean}
	}
	pattern := "%" + sqldb.EscapeLike(strings.ToLower(term)) + "%"
	return "(" + d.CaseInsensitiveLike("t.endpoint") +
			" OR EXISTS (SELECT 1 FROM messages m WHERE m.transaction_id = t.id AND " + d.CaseInsensitiveLike("m.summary") + "))",
		[]any{pattern, pattern}
}

// FacetMeta returns value -> transaction count for a facet dimension.
func (e *Engine) FacetMeta(ctx context.Context, name string) (map[string]int64, error) {
	var column string
	switch name {
	case "endpoint":
		column = "endpoint"
	case "method":
		column = "method"
	case "status":
		column = "status_class"
	default:
		return nil, fmt.Errorf("query: unknown facet %q", name)
	}

	rows, err := e.db.QueryContext(ctx,
		"SELECT "+column+", count(*) FROM transactions GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("facet meta %s: %w", name, err)
	}
	defer rows.Close()

	meta := make(map[string]int64)
	for rows.Next() {
		var value string
		var n int64
		if err := rows.Scan(&value, &n); err != nil {
			return nil, fmt.Errorf("scan facet row: %w", err)
		}
		meta[value] = n
	}
	return meta, rows.Err()
}

// TimeBuckets groups transactions into calendar buckets and aggregates
// count, error count, cache hits and mean duration/score per bucket.
// Only buckets holding at least one transaction are produced, ascending
// by bucket start.
func (e *Engine) TimeBuckets(ctx context.Context, endpoint string, period sqldb.Period, start *time.Time) ([]TimeBucket, error) {
	trunc, err := e.db.Dialect().DateTrunc(period, "started_at")
	if err != nil {
		return nil, err
	}

	errorSet := make([]string, len(models.ErrorStatusClasses))
	var args []any
	for i, class := range models.ErrorStatusClasses {
		errorSet[i] = "?"
		args = append(args, class)
	}

	q := "SELECT " + trunc + " AS bucket, count(*), " +
		"sum(CASE WHEN status_class IN (" + strings.Join(errorSet, ", ") + ") THEN 1 ELSE 0 END), " +
		"sum(cached), avg(elapsed), avg(tpdex) FROM transactions"

	var where []string
	if endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, endpoint)
	}
	if start != nil {
		where = append(where, "started_at >= ?")
		args = append(args, sqldb.FormatTime(*start))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " GROUP BY bucket ORDER BY bucket ASC"

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("time buckets: %w", err)
	}
	defer rows.Close()

	var out []TimeBucket
	for rows.Next() {
		var b TimeBucket
		var bucket sqldb.NullTime
		var meanDuration, meanTpdex sql.NullFloat64
		if err := rows.Scan(&bucket, &b.Count, &b.Errors, &b.Cached, &meanDuration, &meanTpdex); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		b.Datetime = bucket.Time
		b.MeanDuration = meanDuration.Float64
		b.MeanTpdex = meanTpdex.Float64
		out = append(out, b)
	}
	return out, rows.Err()
}
