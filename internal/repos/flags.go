package repos

import (
	"context"
	"fmt"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// UserFlagsRepository persists per-user transaction markers.
type UserFlagsRepository struct {
	Repository[models.UserFlag]
}

// NewUserFlags creates the user flags repository.
func NewUserFlags(db *sqldb.DB) *UserFlagsRepository {
	return &UserFlagsRepository{
		Repository: newRepository(db, "trans_user_flags", "id, transaction_id, user_id, type",
			func(s scanner) (*models.UserFlag, error) {
				var f models.UserFlag
				var ftype int
				if err := s.Scan(&f.ID, &f.TransactionID, &f.UserID, &ftype); err != nil {
					return nil, err
				}
				f.Type = models.FlagType(ftype)
				return &f, nil
			}),
	}
}

// Set adds or removes a flag for a (user, transaction, type) triple.
// Both directions are idempotent: a duplicate add and a missing remove
// are no-ops.
func (r *UserFlagsRepository) Set(ctx context.Context, transactionID string, userID int64, flag models.FlagType, value bool) error {
	if !value {
		_, err := r.Delete(ctx, Criteria{
			"transaction_id": transactionID,
			"user_id":        userID,
			"type":           int(flag),
		})
		return err
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO trans_user_flags (transaction_id, user_id, type) VALUES (?, ?, ?)",
		transactionID, userID, int(flag))
	if err != nil && !r.db.Dialect().IsUniqueViolation(err) {
		return fmt.Errorf("set flag %d on %s: %w", flag, transactionID, err)
	}
	return nil
}
