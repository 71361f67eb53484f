// Package queue implements the write-behind queue between the hot request
// path and durable storage: an unbounded in-memory FIFO drained by a single
// consumer goroutine, so writes pushed by one producer are applied in
// submission order.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("queue: closed")

// Unit is one deferred unit of work.
type Unit func(ctx context.Context) error

// defaultReportInterval paces the backlog depth log line.
const defaultReportInterval = 5 * time.Second

type item struct {
	id           string // correlation id for failure logs
	run          Unit
	ignoreErrors bool
}

// Queue is an unbounded FIFO of deferred units with a single consumer.
// There is no backpressure: producers never block, and operators watch
// the periodically reported depth instead.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []item
	pending int // queued + in-flight
	closed  bool

	done       chan struct{} // consumer exited
	stopReport chan struct{}
	closeOnce  sync.Once
}

// New creates the queue and starts its consumer and depth reporter.
func New() *Queue {
	return newQueue(defaultReportInterval)
}

func newQueue(reportEvery time.Duration) *Queue {
	q := &Queue{
		done:       make(chan struct{}),
		stopReport: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.consume()
	go q.report(reportEvery)
	return q
}

// Push enqueues a unit. Units pushed by the same producer run in push
// order. With ignoreErrors the unit's failure is logged as a warning
// instead of an error; either way the consumer keeps going.
func (q *Queue) Push(unit Unit, ignoreErrors bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item{id: uuid.NewString(), run: unit, ignoreErrors: ignoreErrors})
	q.pending++
	q.cond.Broadcast()
	return nil
}

// Depth reports the number of queued plus in-flight units.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// WaitUntilEmpty blocks until every pushed unit has finished running.
func (q *Queue) WaitUntilEmpty() {
	q.mu.Lock()
	for q.pending > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Close stops intake, drains the remaining units and stops the consumer.
// In-flight units are never aborted. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
		close(q.stopReport)
	})
	q.WaitUntilEmpty()
	<-q.done
}

func (q *Queue) consume() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.runOne(it)

		q.mu.Lock()
		q.pending--
		if q.pending == 0 {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}
}

// runOne invokes a unit; failures and panics are contained so one bad
// unit never halts the drain.
func (q *Queue) runOne(it item) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[queue] error: unit %s panicked: %v", it.id, r)
		}
	}()
	if err := it.run(context.Background()); err != nil {
		if it.ignoreErrors {
			log.Printf("[queue] warning: unit %s failed (ignored): %v", it.id, err)
			return
		}
		log.Printf("[queue] error: unit %s failed: %v", it.id, err)
	}
}

func (q *Queue) report(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if d := q.Depth(); d > 0 {
				log.Printf("[queue] backlog depth=%d", d)
			}
		case <-q.stopReport:
			return
		}
	}
}
