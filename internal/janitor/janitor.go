// Package janitor runs the periodic maintenance loop: retention sweep,
// orphan blob sweep and storage metrics, each step isolated so one
// failing step never kills the loop.
package janitor

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/msqd/harp-sub001/internal/storage"
)

// Janitor schedules maintenance runs against a storage instance.
type Janitor struct {
	store    *storage.Storage
	schedule string
	cron     *cron.Cron
	stopped  atomic.Bool
}

// New creates a janitor with a cron schedule (standard five-field
// expressions and descriptors like "@every 10m").
func New(store *storage.Storage, schedule string) *Janitor {
	return &Janitor{store: store, schedule: schedule}
}

// Start waits for the storage to report ready, then begins scheduling
// runs. Returns an error only for an unparseable schedule.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.RunOnce); err != nil {
		return err
	}
	j.cron = c
	go func() {
		<-j.store.Ready()
		if j.stopped.Load() {
			return
		}
		log.Printf("[janitor] starting, schedule=%q", j.schedule)
		c.Start()
	}()
	return nil
}

// Stop prevents further runs. A run in progress finishes; this is
// cooperative cancellation, checked between runs and between steps.
func (j *Janitor) Stop() {
	j.stopped.Store(true)
	if j.cron != nil {
		ctx := j.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs one maintenance pass. Every step runs in its own
// statement/transaction and logs its failure instead of propagating it,
// so a broken step leaves the others running.
func (j *Janitor) RunOnce() {
	if j.stopped.Load() {
		return
	}
	ctx := context.Background()

	j.step("retention sweep", func() error {
		n, err := j.store.DeleteOldTransactions(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[janitor] deleted %d expired transactions", n)
		}
		return nil
	})
	if j.stopped.Load() {
		return
	}

	j.step("orphan sweep", func() error {
		n, err := j.store.DeleteOrphanBlobs(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("[janitor] deleted %d orphan blobs", n)
		}
		return nil
	})
	if j.stopped.Load() {
		return
	}

	j.step("storage metrics", func() error {
		return j.store.RecordStorageMetrics(ctx)
	})
}

func (j *Janitor) step(name string, run func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[janitor] error: %s panicked: %v", name, r)
		}
	}()
	if err := run(); err != nil {
		log.Printf("[janitor] error: %s failed: %v", name, err)
	}
}
