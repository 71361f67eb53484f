package blobs

import (
	"context"

	"github.com/maypok86/otter"

	"github.com/msqd/harp-sub001/internal/models"
)

// CachedStore fronts another Store with a bounded set of ids known to be
// stored, so repeated puts of hot payloads (identical headers across many
// transactions) skip the backend round trip entirely.
type CachedStore struct {
	inner Store
	seen  otter.Cache[string, struct{}]
}

// NewCachedStore wraps inner with an existence cache bounded to maxEntries
// ids.
func NewCachedStore(inner Store, maxEntries int) *CachedStore {
	cache, err := otter.MustBuilder[string, struct{}](maxEntries).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("blobs: failed to create existence cache: " + err.Error())
	}
	return &CachedStore{inner: inner, seen: cache}
}

// Put returns the content address immediately when the id is known to be
// stored, and delegates to the backend otherwise.
func (s *CachedStore) Put(ctx context.Context, contentType string, data []byte) (string, error) {
	id := ContentAddress(contentType, data)
	if _, ok := s.seen.Get(id); ok {
		return id, nil
	}
	if _, err := s.inner.Put(ctx, contentType, data); err != nil {
		return "", err
	}
	s.seen.Set(id, struct{}{})
	return id, nil
}

// Get delegates to the backend.
func (s *CachedStore) Get(ctx context.Context, id string) (*models.Blob, error) {
	return s.inner.Get(ctx, id)
}

// Exists answers from the cache when possible.
func (s *CachedStore) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := s.seen.Get(id); ok {
		return true, nil
	}
	return s.inner.Exists(ctx, id)
}

// Delete removes the blob from the backend and drops the cached id.
func (s *CachedStore) Delete(ctx context.Context, id string) error {
	s.seen.Delete(id)
	return s.inner.Delete(ctx, id)
}

// Forget drops a cached id without touching the backend. The janitor calls
// this after set-based orphan deletes that bypass Delete.
func (s *CachedStore) Forget(id string) {
	s.seen.Delete(id)
}

// Close releases the backend when it holds external resources (redis).
func (s *CachedStore) Close() error {
	s.seen.Close()
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
