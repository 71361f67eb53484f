package storage

import (
	"context"
	"time"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/query"
	"github.com/msqd/harp-sub001/internal/repos"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// ErrNotFound is returned by single-item lookups that match nothing.
var ErrNotFound = repos.ErrNotFound

// ListResult is one page of transactions plus the stable total for the
// filter set.
type ListResult struct {
	Items []*models.Transaction `json:"items"`
	Total int64                 `json:"total"`
}

// GetTransactionList answers the dashboard list: filtered, searched and
// paginated, newest first, with tags and the user's flags attached and
// messages optionally eager-loaded.
func (s *Storage) GetTransactionList(ctx context.Context, username string, withMessages bool, opts query.ListOptions) (*ListResult, error) {
	user, err := s.users.FindOneByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	opts.UserID = user.ID

	items, total, err := s.engine.TransactionList(ctx, opts)
	if err != nil {
		return nil, err
	}
	err = s.transactions.LoadRelations(ctx, items, repos.LoadOptions{
		WithMessages: withMessages,
		WithTags:     true,
		FlagsUserID:  user.ID,
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{Items: items, Total: total}, nil
}

// GetTransaction returns one transaction with all relations loaded, or
// ErrNotFound.
func (s *Storage) GetTransaction(ctx context.Context, id, username string) (*models.Transaction, error) {
	user, err := s.users.FindOneByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	t, err := s.transactions.FindOneByID(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.transactions.LoadRelations(ctx, []*models.Transaction{t}, repos.LoadOptions{
		WithMessages: true,
		WithTags:     true,
		FlagsUserID:  user.ID,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetBlob reads a content-addressed payload, ErrNotFound when unknown.
func (s *Storage) GetBlob(ctx context.Context, id string) (*models.Blob, error) {
	return s.blobs.Get(ctx, id)
}

// GetFacetMeta returns value -> count for a facet dimension.
func (s *Storage) GetFacetMeta(ctx context.Context, name string) (map[string]int64, error) {
	return s.engine.FacetMeta(ctx, name)
}

// TransactionsGroupedByTimeBucket aggregates transactions into calendar
// buckets, optionally narrowed to one endpoint and bounded below.
func (s *Storage) TransactionsGroupedByTimeBucket(ctx context.Context, endpoint string, period sqldb.Period, start *time.Time) ([]query.TimeBucket, error) {
	return s.engine.TimeBuckets(ctx, endpoint, period, start)
}

// SetUserFlag sets or clears a named flag on a transaction for a user.
func (s *Storage) SetUserFlag(ctx context.Context, transactionID, username, flag string, value bool) error {
	f, ok := models.FlagTypeByName(flag)
	if !ok {
		return &UnknownFlagError{Name: flag}
	}
	user, err := s.users.FindOneByUsername(ctx, username)
	if err != nil {
		return err
	}
	return s.flags.Set(ctx, transactionID, user.ID, f, value)
}

// UnknownFlagError reports a flag name outside the known set.
type UnknownFlagError struct {
	Name string
}

func (e *UnknownFlagError) Error() string {
	return "storage: unknown flag " + e.Name
}

// GetUsage counts transactions started in the last 24 hours.
func (s *Storage) GetUsage(ctx context.Context) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM transactions WHERE started_at >= ?",
		sqldb.FormatTime(time.Now().UTC().Add(-24*time.Hour)))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
