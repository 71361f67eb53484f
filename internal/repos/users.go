package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// UsersRepository persists dashboard identities.
type UsersRepository struct {
	Repository[models.User]
}

// NewUsers creates the users repository.
func NewUsers(db *sqldb.DB) *UsersRepository {
	return &UsersRepository{
		Repository: newRepository(db, "users", "id, username",
			func(s scanner) (*models.User, error) {
				var u models.User
				if err := s.Scan(&u.ID, &u.Username); err != nil {
					return nil, err
				}
				return &u, nil
			}),
	}
}

// FindOneByUsername resolves a username, falling back to the well-known
// anonymous user on a miss. The anonymous user is seeded at bootstrap, so
// ErrNotFound here means the store was never bootstrapped.
func (r *UsersRepository) FindOneByUsername(ctx context.Context, username string) (*models.User, error) {
	u, err := r.FindOne(ctx, Criteria{"username": username})
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u, err = r.FindOne(ctx, Criteria{"username": models.AnonymousUsername})
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", username, err)
	}
	return u, nil
}

// Ensure get-or-creates a user by username.
func (r *UsersRepository) Ensure(ctx context.Context, username string) (*models.User, error) {
	return r.FindOrCreateOne(ctx, Criteria{"username": username}, nil)
}
