// Package models defines the domain structs shared across the storage layer.
package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Transaction is one proxied request/response exchange and its metadata.
// It is created on the "transaction started" event and finalized on the
// "transaction ended" event; after finalization only flags and tags change.
type Transaction struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Endpoint    string     `json:"endpoint"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Elapsed     *float64   `json:"elapsed,omitempty"` // seconds
	Tpdex       *int       `json:"tpdex,omitempty"`
	Method      string     `json:"method"`
	StatusClass string     `json:"status_class"`
	Cached      bool       `json:"cached"`
	NoCache     bool       `json:"no_cache"`

	// Eager-loaded relations; nil unless requested.
	Messages []*Message        `json:"messages,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Flags    []string          `json:"flags,omitempty"`
}

// Message is one HTTP request or response belonging to a transaction.
// Headers and Body reference content-addressed blobs; Body is empty when
// the message had no body.
type Message struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Kind          string    `json:"kind"` // "request" or "response"
	Summary       string    `json:"summary"`
	Headers       string    `json:"headers"`
	Body          string    `json:"body,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Blob is an immutable content-addressed payload.
type Blob struct {
	ID          string `json:"id"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
}

// User is a minimal dashboard identity.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// AnonymousUsername is the well-known fallback identity; it always exists.
const AnonymousUsername = "anonymous"

// Tag is a unique tag name.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TagValue is a unique (tag, value) pair.
type TagValue struct {
	ID    int64  `json:"id"`
	TagID int64  `json:"tag_id"`
	Value string `json:"value"`
}

// FlagType identifies a kind of per-user transaction flag.
type FlagType int

// Favorite protects a transaction from retention deletion.
const FlagFavorite FlagType = 1

var flagNames = map[FlagType]string{
	FlagFavorite: "favorite",
}

var flagTypes = map[string]FlagType{
	"favorite": FlagFavorite,
}

// Name returns the wire name of the flag type, or "" if unknown.
func (f FlagType) Name() string {
	return flagNames[f]
}

// FlagTypeByName resolves a flag name to its stored type.
func FlagTypeByName(name string) (FlagType, bool) {
	f, ok := flagTypes[name]
	return f, ok
}

// UserFlag marks a transaction for a user, unique per (user, transaction, type).
type UserFlag struct {
	ID            int64    `json:"id"`
	TransactionID string   `json:"transaction_id"`
	UserID        int64    `json:"user_id"`
	Type          FlagType `json:"type"`
}

// Metric is a unique metric name.
type Metric struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MetricValue is a timestamped numeric sample of a metric (append-only).
type MetricValue struct {
	ID        int64     `json:"id"`
	MetricID  int64     `json:"metric_id"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTransactionID returns a sortable, time-ordered opaque transaction id.
func NewTransactionID() string {
	return ulid.Make().String()
}

// StatusClass maps an HTTP status code to its class ("2xx", ..., "ERR" for
// anything outside 100-599, e.g. network failures reported as status 0).
func StatusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "ERR"
	}
}

// ErrorStatusClasses are the classes counted as errors in time-bucket
// aggregates.
var ErrorStatusClasses = []string{"5xx", "ERR"}
