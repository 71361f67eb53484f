// Package storage is the single entry point of the traffic-observability
// engine: it receives transaction lifecycle events from the proxy, drives
// the blob store, repositories and write-behind queue, and answers the
// dashboard's read queries.
package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/msqd/harp-sub001/internal/blobs"
	"github.com/msqd/harp-sub001/internal/config"
	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/query"
	"github.com/msqd/harp-sub001/internal/queue"
	"github.com/msqd/harp-sub001/internal/repos"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// Storage owns the engine connection, the repositories and the
// write-behind queue; everything is disposed together by Close.
type Storage struct {
	db    *sqldb.DB
	blobs *blobs.CachedStore
	queue *queue.Queue

	transactions *repos.TransactionsRepository
	messages     *repos.MessagesRepository
	blobRows     *repos.BlobsRepository
	users        *repos.UsersRepository
	flags        *repos.UserFlagsRepository
	metrics      *repos.MetricsRepository

	engine *query.Engine

	retention config.Duration
	ready     chan struct{}
}

// New builds the storage engine from its configuration: opens the
// relational engine, bootstraps the schema, wires the blob backend and
// starts the queue consumer. The returned storage is ready — the Ready
// channel is for collaborators that are handed the instance before New
// returns (janitor, deferred user seeding).
func New(cfg *config.Config) (*Storage, error) {
	db, err := sqldb.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := sqldb.Bootstrap(db, cfg.CreateAll); err != nil {
		db.Close()
		return nil, err
	}

	engine, err := query.NewEngine(db, query.SearchMode(cfg.SearchMode))
	if err != nil {
		db.Close()
		return nil, err
	}

	var backend blobs.Store
	switch cfg.BlobStorage {
	case config.BlobStorageRedis:
		backend, err = blobs.NewRedisStore(cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, err
		}
	default:
		backend = blobs.NewSQLStore(db)
	}

	tags := repos.NewTags(db)
	tagValues := repos.NewTagValues(db)
	s := &Storage{
		db:           db,
		blobs:        blobs.NewCachedStore(backend, cfg.BlobCacheEntries),
		queue:        queue.New(),
		transactions: repos.NewTransactions(db, tags, tagValues),
		messages:     repos.NewMessages(db),
		blobRows:     repos.NewBlobs(db),
		users:        repos.NewUsers(db),
		flags:        repos.NewUserFlags(db),
		metrics:      repos.NewMetrics(db),
		engine:       engine,
		retention:    cfg.RetentionWindow,
		ready:        make(chan struct{}),
	}

	if _, err := s.users.Ensure(context.Background(), models.AnonymousUsername); err != nil {
		s.queue.Close()
		db.Close()
		return nil, fmt.Errorf("seed anonymous user: %w", err)
	}
	close(s.ready)
	return s, nil
}

// Ready is closed once schema bootstrap and user seeding are done.
func (s *Storage) Ready() <-chan struct{} {
	return s.ready
}

// WaitUntilEmpty blocks until every queued write has been applied.
// Reads issued after it returns see all previously enqueued writes.
func (s *Storage) WaitUntilEmpty() {
	s.queue.WaitUntilEmpty()
}

// QueueDepth reports the write-behind backlog.
func (s *Storage) QueueDepth() int {
	return s.queue.Depth()
}

// Close drains the write-behind queue, then releases the engine
// connection and the blob backend.
func (s *Storage) Close() error {
	s.queue.Close()
	if err := s.blobs.Close(); err != nil {
		log.Printf("[storage] warning: close blob backend: %v", err)
	}
	return s.db.Close()
}

// CreateUsersOnceReady creates the given users as soon as the storage
// reports ready. Failures are logged, not propagated: identity seeding
// must never take the proxy down.
func (s *Storage) CreateUsersOnceReady(usernames ...string) {
	go func() {
		<-s.ready
		for _, username := range usernames {
			if _, err := s.users.Ensure(context.Background(), username); err != nil {
				log.Printf("[storage] warning: create user %q: %v", username, err)
			}
		}
	}()
}
