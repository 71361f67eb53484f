package repos

import (
	"context"
	"strconv"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// TagsRepository persists unique tag names. Resolved ids are interned in
// a concurrent map: tag vocabularies are tiny and append-only, so a hit
// saves a round trip on every tagged transaction.
type TagsRepository struct {
	Repository[models.Tag]
	ids *xsync.Map[string, int64]
}

// NewTags creates the tags repository.
func NewTags(db *sqldb.DB) *TagsRepository {
	return &TagsRepository{
		Repository: newRepository(db, "tags", "id, name",
			func(s scanner) (*models.Tag, error) {
				var t models.Tag
				if err := s.Scan(&t.ID, &t.Name); err != nil {
					return nil, err
				}
				return &t, nil
			}),
		ids: xsync.NewMap[string, int64](),
	}
}

// FindOrCreate resolves a tag name to its id, creating the row on first
// use.
func (r *TagsRepository) FindOrCreate(ctx context.Context, name string) (int64, error) {
	if id, ok := r.ids.Load(name); ok {
		return id, nil
	}
	t, err := r.FindOrCreateOne(ctx, Criteria{"name": name}, nil)
	if err != nil {
		return 0, err
	}
	r.ids.Store(name, t.ID)
	return t.ID, nil
}

// TagValuesRepository persists unique (tag, value) pairs, with the same
// id interning as TagsRepository.
type TagValuesRepository struct {
	Repository[models.TagValue]
	ids *xsync.Map[string, int64]
}

// NewTagValues creates the tag values repository.
func NewTagValues(db *sqldb.DB) *TagValuesRepository {
	return &TagValuesRepository{
		Repository: newRepository(db, "tag_values", "id, tag_id, value",
			func(s scanner) (*models.TagValue, error) {
				var v models.TagValue
				if err := s.Scan(&v.ID, &v.TagID, &v.Value); err != nil {
					return nil, err
				}
				return &v, nil
			}),
		ids: xsync.NewMap[string, int64](),
	}
}

// FindOrCreate resolves a (tag, value) pair to its id, creating the row
// on first use.
func (r *TagValuesRepository) FindOrCreate(ctx context.Context, tagID int64, value string) (int64, error) {
	key := strconv.FormatInt(tagID, 10) + "\x00" + value
	if id, ok := r.ids.Load(key); ok {
		return id, nil
	}
	v, err := r.FindOrCreateOne(ctx, Criteria{"tag_id": tagID, "value": value}, nil)
	if err != nil {
		return 0, err
	}
	r.ids.Store(key, v.ID)
	return v.ID, nil
}
