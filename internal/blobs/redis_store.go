package blobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/msqd/harp-sub001/internal/models"
)

// RedisStore keeps blobs in an external key-value store: the content
// address is the key, the value is contentType + "\n" + data. The store
// may be shared across processes; SetNX plus content addressing makes
// concurrent duplicate puts safe without locking.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a blob store to the redis instance described by a
// redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("blobs: parse redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Put stores the payload under its content address.
func (s *RedisStore) Put(ctx context.Context, contentType string, data []byte) (string, error) {
	id := ContentAddress(contentType, data)
	val := make([]byte, 0, len(contentType)+1+len(data))
	val = append(val, contentType...)
	val = append(val, '\n')
	val = append(val, data...)
	if err := s.client.SetNX(ctx, id, val, 0).Err(); err != nil {
		return "", fmt.Errorf("blobs: redis put %s: %w", id, err)
	}
	return id, nil
}

// Get returns the blob for id, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*models.Blob, error) {
	val, err := s.client.Get(ctx, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobs: redis get %s: %w", id, err)
	}
	contentType, data, found := strings.Cut(val, "\n")
	if !found {
		return nil, fmt.Errorf("blobs: redis value for %s has no content-type prefix", id)
	}
	return &models.Blob{ID: id, Data: []byte(data), ContentType: contentType}, nil
}

// Exists reports whether the key is present.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, id).Result()
	if err != nil {
		return false, fmt.Errorf("blobs: redis exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Delete removes the key; deleting an unknown id is a no-op.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("blobs: redis delete %s: %w", id, err)
	}
	return nil
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
