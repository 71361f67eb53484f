package blobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// SQLStore keeps blobs in the relational blobs table.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore creates a relational blob store over db.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Put stores the payload under its content address. The exists check and
// the insert are not atomic under concurrent writers, so a duplicate-key
// failure is treated as success: content addressing guarantees the
// conflicting row holds identical bytes.
func (s *SQLStore) Put(ctx context.Context, contentType string, data []byte) (string, error) {
	id := ContentAddress(contentType, data)

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return "", err
	}
	if exists {
		return id, nil
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO blobs (id, data, content_type) VALUES (?, ?, ?)",
		id, data, contentType)
	if err != nil && !s.db.Dialect().IsUniqueViolation(err) {
		return "", fmt.Errorf("blobs: insert %s: %w", id, err)
	}
	return id, nil
}

// Get returns the blob for id, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT data, content_type FROM blobs WHERE id = ?", id)
	b := models.Blob{ID: id}
	if err := row.Scan(&b.Data, &b.ContentType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobs: get %s: %w", id, err)
	}
	return &b, nil
}

// Exists reports whether a blob row exists for id.
func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM blobs WHERE id = ?", id)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("blobs: exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Delete removes the blob row for id; deleting an unknown id is a no-op.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("blobs: delete %s: %w", id, err)
	}
	return nil
}
