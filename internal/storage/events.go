package storage

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/msqd/harp-sub001/internal/blobs"
	"github.com/msqd/harp-sub001/internal/models"
)

// HeadersContentType marks a blob holding serialized HTTP headers.
const HeadersContentType = "http/headers"

// MessageEvent is the payload of a transaction-message event: one raw
// HTTP request or response captured by the proxy.
type MessageEvent struct {
	TransactionID string
	Kind          string // "request" or "response"
	Summary       string // first line, e.g. "GET /path HTTP/1.1"
	Headers       http.Header
	Body          []byte
	ContentType   string // of the body
	CreatedAt     time.Time
}

// OnTransactionStarted inserts the transaction row synchronously, so the
// row exists by the time the event handler returns.
func (s *Storage) OnTransactionStarted(ctx context.Context, t *models.Transaction) error {
	if t.ID == "" {
		t.ID = models.NewTransactionID()
	}
	if t.Type == "" {
		t.Type = "http"
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	return s.transactions.Insert(ctx, t)
}

// OnTransactionMessage serializes and hashes the message payloads
// synchronously, then enqueues the blob puts followed by the message row
// insert. All three units come from the same producer, so FIFO ordering
// guarantees the blobs exist before the row referencing them.
func (s *Storage) OnTransactionMessage(_ context.Context, ev MessageEvent) error {
	headerData := SerializeHeaders(ev.Headers)
	headersID := blobs.ContentAddress(HeadersContentType, headerData)

	var bodyID string
	if len(ev.Body) > 0 {
		bodyID = blobs.ContentAddress(ev.ContentType, ev.Body)
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Duplicate puts are expected (identical headers across many
	// transactions), so their failures are only warnings.
	err := s.queue.Push(func(ctx context.Context) error {
		_, err := s.blobs.Put(ctx, HeadersContentType, headerData)
		return err
	}, true)
	if err != nil {
		return err
	}
	if bodyID != "" {
		body := ev.Body
		contentType := ev.ContentType
		err := s.queue.Push(func(ctx context.Context) error {
			_, err := s.blobs.Put(ctx, contentType, body)
			return err
		}, true)
		if err != nil {
			return err
		}
	}
	return s.queue.Push(func(ctx context.Context) error {
		return s.messages.Insert(ctx, &models.Message{
			TransactionID: ev.TransactionID,
			Kind:          ev.Kind,
			Summary:       ev.Summary,
			Headers:       headersID,
			Body:          bodyID,
			CreatedAt:     createdAt,
		})
	}, false)
}

// OnTransactionEnded enqueues the finalize update. The score is derived
// from elapsed when the proxy did not compute one.
func (s *Storage) OnTransactionEnded(_ context.Context, t *models.Transaction) error {
	if t.FinishedAt == nil {
		now := time.Now().UTC()
		t.FinishedAt = &now
	}
	if t.Elapsed == nil {
		elapsed := t.FinishedAt.Sub(t.StartedAt).Seconds()
		t.Elapsed = &elapsed
	}
	if t.Tpdex == nil {
		tpdex := models.TpdexFromElapsed(*t.Elapsed)
		t.Tpdex = &tpdex
	}
	return s.queue.Push(func(ctx context.Context) error {
		return s.transactions.Finalize(ctx, t)
	}, false)
}

// SetTransactionTags upserts a tag dictionary onto a transaction via the
// queue, after its row is guaranteed to exist.
func (s *Storage) SetTransactionTags(_ context.Context, transactionID string, tags map[string]string) error {
	return s.queue.Push(func(ctx context.Context) error {
		return s.transactions.SetTags(ctx, transactionID, tags)
	}, false)
}

// SerializeHeaders renders headers into the canonical blob payload: one
// "Name: value" line per value, names sorted, so identical header sets
// always hash to the same blob. Invalid names or values are dropped with
// the same validity rules the transport applies.
func SerializeHeaders(h http.Header) []byte {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		for _, value := range h[name] {
			if !httpguts.ValidHeaderFieldValue(value) {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}
	return []byte(b.String())
}
