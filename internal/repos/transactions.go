package repos

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// TransactionColumns is the canonical column list for transaction rows,
// shared with the query engine so scans stay in one shape.
const TransactionColumns = "id, type, endpoint, started_at, finished_at, elapsed, tpdex, method, status_class, cached, no_cache"

// ScanTransaction maps one transaction row (in TransactionColumns order).
func ScanTransaction(s interface{ Scan(dest ...any) error }) (*models.Transaction, error) {
	var t models.Transaction
	var startedAt, finishedAt sqldb.NullTime
	var elapsed sql.NullFloat64
	var tpdex sql.NullInt64
	var cached, noCache int
	err := s.Scan(&t.ID, &t.Type, &t.Endpoint, &startedAt, &finishedAt,
		&elapsed, &tpdex, &t.Method, &t.StatusClass, &cached, &noCache)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		ft := finishedAt.Time
		t.FinishedAt = &ft
	}
	if elapsed.Valid {
		e := elapsed.Float64
		t.Elapsed = &e
	}
	if tpdex.Valid {
		v := int(tpdex.Int64)
		t.Tpdex = &v
	}
	t.Cached = cached != 0
	t.NoCache = noCache != 0
	return &t, nil
}

// TransactionsRepository persists transaction rows and their relations.
type TransactionsRepository struct {
	Repository[models.Transaction]
	tags      *TagsRepository
	tagValues *TagValuesRepository
}

// NewTransactions creates the transactions repository. The tag
// repositories back SetTags' upsert path.
func NewTransactions(db *sqldb.DB, tags *TagsRepository, tagValues *TagValuesRepository) *TransactionsRepository {
	return &TransactionsRepository{
		Repository: newRepository(db, "transactions", TransactionColumns,
			func(s scanner) (*models.Transaction, error) { return ScanTransaction(s) }),
		tags:      tags,
		tagValues: tagValues,
	}
}

// Insert stores a freshly started transaction. Completion columns stay
// NULL until Finalize.
func (r *TransactionsRepository) Insert(ctx context.Context, t *models.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO transactions (id, type, endpoint, started_at, method) VALUES (?, ?, ?, ?, ?)",
		t.ID, t.Type, t.Endpoint, sqldb.FormatTime(t.StartedAt), t.Method)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

// Finalize writes the completion columns of an ended transaction. After
// this only flags and tags may change.
func (r *TransactionsRepository) Finalize(ctx context.Context, t *models.Transaction) error {
	var finished, elapsed, tpdex any
	if t.FinishedAt != nil {
		finished = sqldb.FormatTime(*t.FinishedAt)
	}
	if t.Elapsed != nil {
		elapsed = *t.Elapsed
	}
	if t.Tpdex != nil {
		tpdex = *t.Tpdex
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions
		    SET finished_at = ?, elapsed = ?, tpdex = ?, method = ?,
		        status_class = ?, cached = ?, no_cache = ?
		  WHERE id = ?`,
		finished, elapsed, tpdex, t.Method,
		t.StatusClass, boolToInt(t.Cached), boolToInt(t.NoCache), t.ID)
	if err != nil {
		return fmt.Errorf("finalize transaction %s: %w", t.ID, err)
	}
	return nil
}

// LoadOptions selects which relations LoadRelations attaches.
type LoadOptions struct {
	WithMessages bool
	WithTags     bool
	FlagsUserID  int64 // 0 skips flag loading
}

// LoadRelations eager-loads the requested relations onto txs with one
// batched IN query per relation (chunked for very large pages).
func (r *TransactionsRepository) LoadRelations(ctx context.Context, txs []*models.Transaction, opts LoadOptions) error {
	if len(txs) == 0 {
		return nil
	}
	byID := make(map[string]*models.Transaction, len(txs))
	ids := make([]string, 0, len(txs))
	for _, t := range txs {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	if opts.WithMessages {
		if err := r.loadMessages(ctx, ids, byID); err != nil {
			return err
		}
	}
	if opts.WithTags {
		if err := r.loadTags(ctx, ids, byID); err != nil {
			return err
		}
	}
	if opts.FlagsUserID != 0 {
		if err := r.loadFlags(ctx, ids, byID, opts.FlagsUserID); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionsRepository) loadMessages(ctx context.Context, ids []string, byID map[string]*models.Transaction) error {
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			"SELECT "+MessageColumns+" FROM messages WHERE transaction_id IN ("+placeholders(len(chunk))+") ORDER BY id ASC",
			args...)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan message row: %w", err)
			}
			if t := byID[m.TransactionID]; t != nil {
				t.Messages = append(t.Messages, m)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionsRepository) loadTags(ctx context.Context, ids []string, byID map[string]*models.Transaction) error {
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT ttv.transaction_id, t.name, v.value
			   FROM trans_tag_values ttv
			   JOIN tag_values v ON v.id = ttv.value_id
			   JOIN tags t ON t.id = v.tag_id
			  WHERE ttv.transaction_id IN (`+placeholders(len(chunk))+")",
			args...)
		if err != nil {
			return fmt.Errorf("load tags: %w", err)
		}
		for rows.Next() {
			var txID, name, value string
			if err := rows.Scan(&txID, &name, &value); err != nil {
				rows.Close()
				return fmt.Errorf("scan tag row: %w", err)
			}
			if t := byID[txID]; t != nil {
				if t.Tags == nil {
					t.Tags = make(map[string]string)
				}
				t.Tags[name] = value
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionsRepository) loadFlags(ctx context.Context, ids []string, byID map[string]*models.Transaction, userID int64) error {
	for _, chunk := range chunkStrings(ids, inChunkSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := r.db.QueryContext(ctx,
			"SELECT transaction_id, type FROM trans_user_flags WHERE user_id = ? AND transaction_id IN ("+placeholders(len(chunk))+")",
			args...)
		if err != nil {
			return fmt.Errorf("load flags: %w", err)
		}
		for rows.Next() {
			var txID string
			var ftype int
			if err := rows.Scan(&txID, &ftype); err != nil {
				rows.Close()
				return fmt.Errorf("scan flag row: %w", err)
			}
			if t := byID[txID]; t != nil {
				if name := models.FlagType(ftype).Name(); name != "" {
					t.Flags = append(t.Flags, name)
				}
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteOld removes transactions started before now-window, except those
// carrying any user flag. Messages, flags and tag associations cascade.
func (r *TransactionsRepository) DeleteOld(ctx context.Context, window time.Duration, now time.Time) (int64, error) {
	cutoff := sqldb.FormatTime(now.Add(-window))
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM transactions
		  WHERE started_at < ?
		    AND NOT EXISTS (SELECT 1 FROM trans_user_flags f WHERE f.transaction_id = transactions.id)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old transactions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr
	}
	return n, nil
}

// SetTags upserts the tag dictionary onto a transaction: (name) and
// (name, value) rows are reused, association rows are inserted and
// duplicates tolerated.
func (r *TransactionsRepository) SetTags(ctx context.Context, transactionID string, tags map[string]string) error {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tagID, err := r.tags.FindOrCreate(ctx, name)
		if err != nil {
			return err
		}
		valueID, err := r.tagValues.FindOrCreate(ctx, tagID, tags[name])
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx,
			"INSERT INTO trans_tag_values (transaction_id, value_id) VALUES (?, ?)",
			transactionID, valueID)
		if err != nil && !r.db.Dialect().IsUniqueViolation(err) {
			return fmt.Errorf("associate tag %s with %s: %w", name, transactionID, err)
		}
	}
	return nil
}
