package storage

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/msqd/harp-sub001/internal/config"
	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/query"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

func newTestStorage(t *testing.T, retention time.Duration) *Storage {
	t.Helper()
	cfg := config.Default()
	cfg.DSN = filepath.Join(t.TempDir(), "harp.db")
	cfg.RetentionWindow = config.Duration(retention)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	select {
	case <-s.Ready():
	default:
		t.Fatal("storage must report ready after New")
	}
	return s
}

func startTransaction(t *testing.T, s *Storage, endpoint string, startedAt time.Time) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		ID:        models.NewTransactionID(),
		Endpoint:  endpoint,
		StartedAt: startedAt,
		Method:    "GET",
	}
	if err := s.OnTransactionStarted(context.Background(), tx); err != nil {
		t.Fatalf("OnTransactionStarted: %v", err)
	}
	return tx
}

func TestTransactionLifecycleScenario(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Second)

	tx := startTransaction(t, s, "api", started)

	err := s.OnTransactionMessage(ctx, MessageEvent{
		TransactionID: tx.ID,
		Kind:          "request",
		Summary:       "GET /invoices HTTP/1.1",
		Headers:       http.Header{"Accept": []string{"application/json"}},
		Body:          []byte(`{"query":"all"}`),
		ContentType:   "application/json",
		CreatedAt:     started,
	})
	if err != nil {
		t.Fatalf("OnTransactionMessage: %v", err)
	}

	finished := started.Add(250 * time.Millisecond)
	tx.FinishedAt = &finished
	tx.StatusClass = "2xx"
	if err := s.OnTransactionEnded(ctx, tx); err != nil {
		t.Fatalf("OnTransactionEnded: %v", err)
	}
	s.WaitUntilEmpty()

	result, err := s.GetTransactionList(ctx, models.AnonymousUsername, true, query.ListOptions{})
	if err != nil {
		t.Fatalf("GetTransactionList: %v", err)
	}
	if result.Total != 1 || len(result.Items) != 1 {
		t.Fatalf("list: total=%d items=%d", result.Total, len(result.Items))
	}
	got := result.Items[0]
	if got.ID != tx.ID {
		t.Fatalf("listed id %s, want %s", got.ID, tx.ID)
	}
	if got.Elapsed == nil || *got.Elapsed <= 0 {
		t.Fatalf("elapsed not set: %v", got.Elapsed)
	}
	if got.Tpdex == nil {
		t.Fatal("tpdex not derived from elapsed")
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages: %d, want 1", len(got.Messages))
	}
	m := got.Messages[0]
	if m.Kind != "request" || m.Headers == "" || m.Body == "" || m.Headers == m.Body {
		t.Fatalf("message blob refs: headers=%q body=%q", m.Headers, m.Body)
	}

	// Both blobs are durably stored and referenced, so nothing is orphaned.
	headerBlob, err := s.GetBlob(ctx, m.Headers)
	if err != nil {
		t.Fatalf("get header blob: %v", err)
	}
	if headerBlob.ContentType != HeadersContentType || string(headerBlob.Data) != "Accept: application/json\n" {
		t.Fatalf("header blob: %q %q", headerBlob.ContentType, headerBlob.Data)
	}
	if n, err := s.blobRows.CountOrphans(ctx); err != nil || n != 0 {
		t.Fatalf("orphans: n=%d err=%v", n, err)
	}

	// Deleting the transaction orphans both blobs; the sweep removes them.
	if _, err := s.transactions.Repository.Delete(ctx, map[string]any{"id": tx.ID}); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	deleted, err := s.DeleteOrphanBlobs(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanBlobs: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("orphan sweep deleted %d blobs, want 2", deleted)
	}
	if _, err := s.GetBlob(ctx, m.Headers); err == nil {
		t.Fatal("header blob should be gone after the sweep")
	}
}

func TestOrphanSweepInvalidatesExistenceCache(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	ctx := context.Background()

	tx := startTransaction(t, s, "api", time.Now().UTC())
	err := s.OnTransactionMessage(ctx, MessageEvent{
		TransactionID: tx.ID,
		Kind:          "request",
		Summary:       "GET / HTTP/1.1",
		Headers:       http.Header{"Host": []string{"example.com"}},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("OnTransactionMessage: %v", err)
	}
	s.WaitUntilEmpty()

	if _, err := s.transactions.Repository.Delete(ctx, map[string]any{"id": tx.ID}); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	if _, err := s.DeleteOrphanBlobs(ctx); err != nil {
		t.Fatalf("DeleteOrphanBlobs: %v", err)
	}

	// The same headers stored again must be re-inserted, not answered
	// from the stale existence cache.
	tx2 := startTransaction(t, s, "api", time.Now().UTC())
	err = s.OnTransactionMessage(ctx, MessageEvent{
		TransactionID: tx2.ID,
		Kind:          "request",
		Summary:       "GET / HTTP/1.1",
		Headers:       http.Header{"Host": []string{"example.com"}},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second OnTransactionMessage: %v", err)
	}
	s.WaitUntilEmpty()

	got, err := s.GetTransaction(ctx, tx2.ID, models.AnonymousUsername)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages: %d", len(got.Messages))
	}
	if _, err := s.GetBlob(ctx, got.Messages[0].Headers); err != nil {
		t.Fatalf("header blob missing after re-store: %v", err)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	if _, err := s.GetTransaction(context.Background(), "nope", models.AnonymousUsername); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSetUserFlagAndFacet(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	ctx := context.Background()

	tx := startTransaction(t, s, "api", time.Now().UTC())
	if err := s.SetUserFlag(ctx, tx.ID, models.AnonymousUsername, "favorite", true); err != nil {
		t.Fatalf("SetUserFlag: %v", err)
	}

	got, err := s.GetTransaction(ctx, tx.ID, models.AnonymousUsername)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if len(got.Flags) != 1 || got.Flags[0] != "favorite" {
		t.Fatalf("flags: %v", got.Flags)
	}

	if err := s.SetUserFlag(ctx, tx.ID, models.AnonymousUsername, "favorite", false); err != nil {
		t.Fatalf("clear flag: %v", err)
	}
	got, err = s.GetTransaction(ctx, tx.ID, models.AnonymousUsername)
	if err != nil {
		t.Fatalf("GetTransaction after clear: %v", err)
	}
	if len(got.Flags) != 0 {
		t.Fatalf("flags after clear: %v", got.Flags)
	}

	var unknownFlag *UnknownFlagError
	if err := s.SetUserFlag(ctx, tx.ID, models.AnonymousUsername, "sparkly", true); !errors.As(err, &unknownFlag) {
		t.Fatalf("got %v, want UnknownFlagError", err)
	}
}

func TestRetentionSweepKeepsFlagged(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	startTransaction(t, s, "old-a", now.Add(-72*time.Hour))
	startTransaction(t, s, "old-b", now.Add(-72*time.Hour))
	flagged := startTransaction(t, s, "old-flagged", now.Add(-72*time.Hour))
	young := startTransaction(t, s, "young", now.Add(-time.Hour))
	if err := s.SetUserFlag(ctx, flagged.ID, models.AnonymousUsername, "favorite", true); err != nil {
		t.Fatalf("SetUserFlag: %v", err)
	}

	deleted, err := s.DeleteOldTransactions(ctx)
	if err != nil {
		t.Fatalf("DeleteOldTransactions: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d, want 2", deleted)
	}
	for _, id := range []string{flagged.ID, young.ID} {
		if _, err := s.GetTransaction(ctx, id, models.AnonymousUsername); err != nil {
			t.Fatalf("transaction %s should survive: %v", id, err)
		}
	}
}

func TestRecordStorageMetrics(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	ctx := context.Background()

	startTransaction(t, s, "api", time.Now().UTC())
	if err := s.RecordStorageMetrics(ctx); err != nil {
		t.Fatalf("RecordStorageMetrics: %v", err)
	}
	values, err := s.metrics.Values(ctx, MetricTransactions)
	if err != nil {
		t.Fatalf("metric values: %v", err)
	}
	if len(values) != 1 || values[0].Value != 1 {
		t.Fatalf("transaction metric samples: %+v", values)
	}
}

func TestGetUsageCountsLast24h(t *testing.T) {
	s := newTestStorage(t, 480*time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	startTransaction(t, s, "recent", now.Add(-time.Hour))
	startTransaction(t, s, "recent", now.Add(-23*time.Hour))
	startTransaction(t, s, "stale", now.Add(-25*time.Hour))

	n, err := s.GetUsage(ctx)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if n != 2 {
		t.Fatalf("usage: got %d, want 2", n)
	}
}

func TestCreateUsersOnceReady(t *testing.T) {
	s := newTestStorage(t, 48*time.Hour)
	s.CreateUsersOnceReady("alice", "bob")

	deadline := time.Now().Add(5 * time.Second)
	for {
		u, err := s.users.FindOneByUsername(context.Background(), "bob")
		if err == nil && u.Username == "bob" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bob was never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSerializeHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type": []string{"text/html"},
		"Accept":       []string{"text/html", "application/json"},
	}
	want := "Accept: text/html\nAccept: application/json\nContent-Type: text/html\n"
	if got := string(SerializeHeaders(h)); got != want {
		t.Fatalf("serialized headers:\n%q\nwant:\n%q", got, want)
	}

	// Invalid values are dropped, not propagated into the blob.
	h = http.Header{"X-Bad": []string{"line\nbreak"}, "X-Ok": []string{"fine"}}
	if got := string(SerializeHeaders(h)); got != "X-Ok: fine\n" {
		t.Fatalf("invalid header survived: %q", got)
	}
}

func TestSearchModeFailsFastAtConstruction(t *testing.T) {
	cfg := config.Default()
	cfg.DSN = filepath.Join(t.TempDir(), "harp.db")
	cfg.SearchMode = "native"
	if _, err := New(cfg); err == nil {
		t.Fatal("native search on sqlite must fail at construction")
	}
}

func TestTimeBucketsThroughFacade(t *testing.T) {
	s := newTestStorage(t, 480*time.Hour)
	ctx := context.Background()
	h0 := time.Now().UTC().Truncate(time.Hour)

	tx := startTransaction(t, s, "api", h0.Add(5*time.Minute))
	finished := tx.StartedAt.Add(100 * time.Millisecond)
	tx.FinishedAt = &finished
	tx.StatusClass = "2xx"
	if err := s.OnTransactionEnded(ctx, tx); err != nil {
		t.Fatalf("OnTransactionEnded: %v", err)
	}
	s.WaitUntilEmpty()

	buckets, err := s.TransactionsGroupedByTimeBucket(ctx, "api", sqldb.PeriodHour, nil)
	if err != nil {
		t.Fatalf("TransactionsGroupedByTimeBucket: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Count != 1 {
		t.Fatalf("buckets: %+v", buckets)
	}
	if !buckets[0].Datetime.Equal(h0) {
		t.Fatalf("bucket start: got %v, want %v", buckets[0].Datetime, h0)
	}
}
