package repos

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(sqldb.DialectSQLite, filepath.Join(t.TempDir(), "harp.db"))
	if err != nil {
		t.Fatalf("sqldb.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqldb.Bootstrap(db, false); err != nil {
		t.Fatalf("sqldb.Bootstrap: %v", err)
	}
	return db
}

func newTestTransactions(db *sqldb.DB) *TransactionsRepository {
	return NewTransactions(db, NewTags(db), NewTagValues(db))
}

func insertTransaction(t *testing.T, r *TransactionsRepository, startedAt time.Time) *models.Transaction {
	t.Helper()
	tx := &models.Transaction{
		ID:        models.NewTransactionID(),
		Type:      "http",
		Endpoint:  "api",
		StartedAt: startedAt,
		Method:    "GET",
	}
	if err := r.Insert(context.Background(), tx); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	return tx
}

func TestFindOrCreateOneIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	tags := NewTags(db)
	ctx := context.Background()

	id1, err := tags.FindOrCreate(ctx, "env")
	if err != nil {
		t.Fatalf("first FindOrCreate: %v", err)
	}
	id2, err := tags.FindOrCreate(ctx, "env")
	if err != nil {
		t.Fatalf("second FindOrCreate: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %d vs %d", id1, id2)
	}
	n, err := tags.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count tags: %v", err)
	}
	if n != 1 {
		t.Fatalf("tag rows: got %d, want 1", n)
	}
}

func TestFindOneSemantics(t *testing.T) {
	db := openTestDB(t)
	users := NewUsers(db)
	ctx := context.Background()

	if _, err := users.FindOne(ctx, Criteria{"username": "nobody"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindOne miss: got %v, want ErrNotFound", err)
	}

	if _, err := users.Ensure(ctx, "alice"); err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if _, err := users.Ensure(ctx, "bob"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	// Criteria matching more than one row is a caller bug, not a pick-any.
	if _, err := users.FindOne(ctx, nil); err == nil {
		t.Fatal("FindOne over two rows must fail")
	}
}

func TestUsersFallBackToAnonymous(t *testing.T) {
	db := openTestDB(t)
	users := NewUsers(db)
	ctx := context.Background()

	if _, err := users.Ensure(ctx, models.AnonymousUsername); err != nil {
		t.Fatalf("seed anonymous: %v", err)
	}
	u, err := users.FindOneByUsername(ctx, "whoever")
	if err != nil {
		t.Fatalf("FindOneByUsername: %v", err)
	}
	if u.Username != models.AnonymousUsername {
		t.Fatalf("fallback user: got %q, want %q", u.Username, models.AnonymousUsername)
	}
}

func TestInsertAndFinalizeRoundTrip(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	ctx := context.Background()

	started := time.Date(2024, 5, 15, 13, 37, 42, 0, time.UTC)
	tx := insertTransaction(t, transactions, started)

	got, err := transactions.FindOneByID(ctx, tx.ID)
	if err != nil {
		t.Fatalf("FindOneByID after insert: %v", err)
	}
	if got.FinishedAt != nil || got.Elapsed != nil || got.Tpdex != nil {
		t.Fatal("completion columns must be unset before finalize")
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at: got %v, want %v", got.StartedAt, started)
	}

	finished := started.Add(314 * time.Millisecond)
	elapsed := 0.314
	tpdex := models.TpdexFromElapsed(elapsed)
	tx.FinishedAt = &finished
	tx.Elapsed = &elapsed
	tx.Tpdex = &tpdex
	tx.StatusClass = "2xx"
	tx.Cached = true
	if err := transactions.Finalize(ctx, tx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err = transactions.FindOneByID(ctx, tx.ID)
	if err != nil {
		t.Fatalf("FindOneByID after finalize: %v", err)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at: got %v, want %v", got.FinishedAt, finished)
	}
	if got.Elapsed == nil || *got.Elapsed != elapsed {
		t.Fatalf("elapsed: got %v, want %v", got.Elapsed, elapsed)
	}
	if got.Tpdex == nil || *got.Tpdex != tpdex {
		t.Fatalf("tpdex: got %v, want %d", got.Tpdex, tpdex)
	}
	if got.StatusClass != "2xx" || !got.Cached || got.NoCache {
		t.Fatalf("markers: status=%q cached=%v no_cache=%v", got.StatusClass, got.Cached, got.NoCache)
	}
}

func TestSetTagsReusesRows(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	ctx := context.Background()

	t1 := insertTransaction(t, transactions, time.Now())
	t2 := insertTransaction(t, transactions, time.Now())

	for _, tx := range []*models.Transaction{t1, t2} {
		if err := transactions.SetTags(ctx, tx.ID, map[string]string{"env": "prod"}); err != nil {
			t.Fatalf("SetTags on %s: %v", tx.ID, err)
		}
	}
	// Setting the same tags again must change nothing.
	if err := transactions.SetTags(ctx, t1.ID, map[string]string{"env": "prod"}); err != nil {
		t.Fatalf("repeat SetTags: %v", err)
	}

	counts := map[string]int64{"tags": 1, "tag_values": 1, "trans_tag_values": 2}
	for table, want := range counts {
		var n int64
		row := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table)
		if err := row.Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Fatalf("%s rows: got %d, want %d", table, n, want)
		}
	}
}

func TestLoadRelations(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	messages := NewMessages(db)
	users := NewUsers(db)
	flags := NewUserFlags(db)
	ctx := context.Background()

	tx := insertTransaction(t, transactions, time.Now())
	insertBlob(t, db, "h1", "req headers")
	for _, kind := range []string{"request", "response"} {
		err := messages.Insert(ctx, &models.Message{
			TransactionID: tx.ID,
			Kind:          kind,
			Summary:       kind + " summary",
			Headers:       "h1",
			CreatedAt:     time.Now(),
		})
		if err != nil {
			t.Fatalf("insert %s message: %v", kind, err)
		}
	}
	if err := transactions.SetTags(ctx, tx.ID, map[string]string{"env": "prod", "team": "core"}); err != nil {
		t.Fatalf("SetTags: %v", err)
	}
	u, err := users.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if err := flags.Set(ctx, tx.ID, u.ID, models.FlagFavorite, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got, err := transactions.FindOneByID(ctx, tx.ID)
	if err != nil {
		t.Fatalf("FindOneByID: %v", err)
	}
	opts := LoadOptions{WithMessages: true, WithTags: true, FlagsUserID: u.ID}
	if err := transactions.LoadRelations(ctx, []*models.Transaction{got}, opts); err != nil {
		t.Fatalf("LoadRelations: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Kind != "request" || got.Messages[1].Kind != "response" {
		t.Fatalf("messages: %+v", got.Messages)
	}
	if got.Messages[0].Body != "" {
		t.Fatalf("bodyless message must read back empty, got %q", got.Messages[0].Body)
	}
	if got.Tags["env"] != "prod" || got.Tags["team"] != "core" {
		t.Fatalf("tags: %v", got.Tags)
	}
	if len(got.Flags) != 1 || got.Flags[0] != "favorite" {
		t.Fatalf("flags: %v", got.Flags)
	}
}

func TestDeleteOldExemptsFlagged(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	users := NewUsers(db)
	flags := NewUserFlags(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old1 := insertTransaction(t, transactions, now.Add(-72*time.Hour))
	old2 := insertTransaction(t, transactions, now.Add(-72*time.Hour))
	oldFlagged := insertTransaction(t, transactions, now.Add(-72*time.Hour))
	young := insertTransaction(t, transactions, now.Add(-1*time.Hour))

	u, err := users.Ensure(ctx, models.AnonymousUsername)
	if err != nil {
		t.Fatalf("ensure anonymous: %v", err)
	}
	if err := flags.Set(ctx, oldFlagged.ID, u.ID, models.FlagFavorite, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	deleted, err := transactions.DeleteOld(ctx, 48*time.Hour, now)
	if err != nil {
		t.Fatalf("DeleteOld: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted: got %d, want 2", deleted)
	}
	for _, id := range []string{old1.ID, old2.ID} {
		if _, err := transactions.FindOneByID(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old transaction %s should be gone, got %v", id, err)
		}
	}
	for _, id := range []string{oldFlagged.ID, young.ID} {
		if _, err := transactions.FindOneByID(ctx, id); err != nil {
			t.Fatalf("transaction %s should survive: %v", id, err)
		}
	}
}

func TestOrphanBlobs(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	messages := NewMessages(db)
	blobs := NewBlobs(db)
	ctx := context.Background()

	insertBlob(t, db, "h1", "headers")
	insertBlob(t, db, "b1", "body")
	insertBlob(t, db, "dangling", "nothing references me")

	tx := insertTransaction(t, transactions, time.Now())
	err := messages.Insert(ctx, &models.Message{
		TransactionID: tx.ID,
		Kind:          "request",
		Headers:       "h1",
		Body:          "b1",
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	n, err := blobs.CountOrphans(ctx)
	if err != nil {
		t.Fatalf("CountOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("orphans: got %d, want 1", n)
	}

	ids, err := blobs.DeleteOrphans(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphans: %v", err)
	}
	if len(ids) != 1 || ids[0] != "dangling" {
		t.Fatalf("deleted ids: %v", ids)
	}
	for _, id := range []string{"h1", "b1"} {
		if _, err := blobs.FindOneByID(ctx, id); err != nil {
			t.Fatalf("referenced blob %s must survive: %v", id, err)
		}
	}

	// Deleting the transaction cascades to its message; both blobs
	// become orphans and the next sweep removes them.
	if _, err := transactions.Repository.Delete(ctx, Criteria{"id": tx.ID}); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	ids, err = blobs.DeleteOrphans(ctx)
	if err != nil {
		t.Fatalf("second DeleteOrphans: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("second sweep ids: %v", ids)
	}
	n, err = blobs.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("blob rows after sweep: got %d, want 0", n)
	}
}

func TestMetricsInsertValues(t *testing.T) {
	db := openTestDB(t)
	metrics := NewMetrics(db)
	ctx := context.Background()
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	samples := map[string]float64{
		"storage.transactions": 3,
		"storage.blobs":        7,
	}
	if err := metrics.InsertValues(ctx, samples, now); err != nil {
		t.Fatalf("first InsertValues: %v", err)
	}
	if err := metrics.InsertValues(ctx, samples, now.Add(time.Minute)); err != nil {
		t.Fatalf("second InsertValues: %v", err)
	}

	n, err := metrics.Count(ctx, nil)
	if err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if n != 2 {
		t.Fatalf("metric rows: got %d, want 2 (names reused)", n)
	}

	values, err := metrics.Values(ctx, "storage.blobs")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 2 || values[0].Value != 7 || values[1].Value != 7 {
		t.Fatalf("samples: %+v", values)
	}
	if !values[1].CreatedAt.After(values[0].CreatedAt) {
		t.Fatalf("sample stamps not ascending: %v then %v", values[0].CreatedAt, values[1].CreatedAt)
	}
}

func TestUserFlagSetIsIdempotentBothWays(t *testing.T) {
	db := openTestDB(t)
	transactions := newTestTransactions(db)
	users := NewUsers(db)
	flags := NewUserFlags(db)
	ctx := context.Background()

	tx := insertTransaction(t, transactions, time.Now())
	u, err := users.Ensure(ctx, "alice")
	if err != nil {
		t.Fatalf("ensure alice: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := flags.Set(ctx, tx.ID, u.ID, models.FlagFavorite, true); err != nil {
			t.Fatalf("set #%d: %v", i, err)
		}
	}
	n, err := flags.Count(ctx, Criteria{"transaction_id": tx.ID})
	if err != nil {
		t.Fatalf("count flags: %v", err)
	}
	if n != 1 {
		t.Fatalf("flag rows: got %d, want 1", n)
	}

	for i := 0; i < 2; i++ {
		if err := flags.Set(ctx, tx.ID, u.ID, models.FlagFavorite, false); err != nil {
			t.Fatalf("unset #%d: %v", i, err)
		}
	}
	n, err = flags.Count(ctx, Criteria{"transaction_id": tx.ID})
	if err != nil {
		t.Fatalf("count flags after unset: %v", err)
	}
	if n != 0 {
		t.Fatalf("flag rows after unset: got %d, want 0", n)
	}
}

func insertBlob(t *testing.T, db *sqldb.DB, id, data string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO blobs (id, data, content_type) VALUES (?, ?, ?)",
		id, []byte(data), "text/plain")
	if err != nil {
		t.Fatalf("insert blob %s: %v", id, err)
	}
}
