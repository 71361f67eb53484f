package repos

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// MessageColumns is the canonical column list for message rows.
const MessageColumns = "id, transaction_id, kind, summary, headers, body, created_at"

func scanMessage(s scanner) (*models.Message, error) {
	var m models.Message
	var body sql.NullString
	var createdAt sqldb.NullTime
	err := s.Scan(&m.ID, &m.TransactionID, &m.Kind, &m.Summary, &m.Headers, &body, &createdAt)
	if err != nil {
		return nil, err
	}
	if body.Valid {
		m.Body = body.String
	}
	if createdAt.Valid {
		m.CreatedAt = createdAt.Time
	}
	return &m, nil
}

// MessagesRepository persists per-transaction request/response messages.
type MessagesRepository struct {
	Repository[models.Message]
}

// NewMessages creates the messages repository.
func NewMessages(db *sqldb.DB) *MessagesRepository {
	return &MessagesRepository{
		Repository: newRepository(db, "messages", MessageColumns, scanMessage),
	}
}

// Insert stores a message row. Body is written as NULL when the message
// had no body, so the orphan join does not match empty references.
func (r *MessagesRepository) Insert(ctx context.Context, m *models.Message) error {
	var body any
	if m.Body != "" {
		body = m.Body
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO messages (transaction_id, kind, summary, headers, body, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.TransactionID, m.Kind, m.Summary, m.Headers, body, sqldb.FormatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message for %s: %w", m.TransactionID, err)
	}
	return nil
}
