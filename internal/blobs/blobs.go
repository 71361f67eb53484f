// Package blobs implements the content-addressed blob store: a stable
// hash-derived identifier, an immutable put/get/delete/exists contract, and
// two interchangeable backends (relational table, external key-value store).
package blobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"

	"github.com/msqd/harp-sub001/internal/models"
)

// ErrNotFound is returned by Get for unknown blob ids.
var ErrNotFound = errors.New("blobs: not found")

// ContentAddress derives the blob id from content-type and payload:
// SHA-1 over contentType || "\n" || data. Identical content always maps to
// the identical id, which is what makes concurrent duplicate puts safe.
func ContentAddress(contentType string, data []byte) string {
	h := sha1.New()
	h.Write([]byte(contentType))
	h.Write([]byte("\n"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the blob store contract. Put is idempotent: storing the same
// (contentType, data) twice yields the same id and exactly one stored copy.
type Store interface {
	Put(ctx context.Context, contentType string, data []byte) (string, error)
	Get(ctx context.Context, id string) (*models.Blob, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}
