package repos

import (
	"context"
	"fmt"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// orphanJoin matches blobs with zero referencing messages on either the
// headers or the body foreign key. Orphan status is computed, never stored.
const orphanJoin = `
	   FROM blobs b
	   LEFT JOIN messages mh ON mh.headers = b.id
	   LEFT JOIN messages mb ON mb.body = b.id
	  WHERE mh.id IS NULL AND mb.id IS NULL`

// BlobsRepository exposes the relational view of the blob table: counts
// for metrics and the orphan sweep. Writes go through the blob store.
type BlobsRepository struct {
	Repository[models.Blob]
}

// NewBlobs creates the blobs repository.
func NewBlobs(db *sqldb.DB) *BlobsRepository {
	return &BlobsRepository{
		Repository: newRepository(db, "blobs", "id, data, content_type",
			func(s scanner) (*models.Blob, error) {
				var b models.Blob
				if err := s.Scan(&b.ID, &b.Data, &b.ContentType); err != nil {
					return nil, err
				}
				return &b, nil
			}),
	}
}

// CountOrphans counts blobs no message references.
func (r *BlobsRepository) CountOrphans(ctx context.Context) (int64, error) {
	var n int64
	row := r.db.QueryRowContext(ctx, "SELECT count(*)"+orphanJoin)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count orphan blobs: %w", err)
	}
	return n, nil
}

// DeleteOrphans removes blobs no message references and returns their
// ids, so callers can invalidate any existence caches. The select-then-
// delete split keeps the statement portable; a blob referenced between
// the two steps would be re-created by the next identical put.
func (r *BlobsRepository) DeleteOrphans(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT b.id"+orphanJoin)
	if err != nil {
		return nil, fmt.Errorf("select orphan blobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan orphan blob id: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, chunk := range chunkStrings(ids, inChunkSize) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if _, err := r.db.ExecContext(ctx,
			"DELETE FROM blobs WHERE id IN ("+placeholders(len(chunk))+")", args...); err != nil {
			return nil, fmt.Errorf("delete orphan blobs: %w", err)
		}
	}
	return ids, nil
}
