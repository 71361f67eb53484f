package repos

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/msqd/harp-sub001/internal/models"
	"github.com/msqd/harp-sub001/internal/sqldb"
)

// MetricsRepository appends timestamped samples to named metric series.
type MetricsRepository struct {
	Repository[models.Metric]
}

// NewMetrics creates the metrics repository.
func NewMetrics(db *sqldb.DB) *MetricsRepository {
	return &MetricsRepository{
		Repository: newRepository(db, "metrics", "id, name",
			func(s scanner) (*models.Metric, error) {
				var m models.Metric
				if err := s.Scan(&m.ID, &m.Name); err != nil {
					return nil, err
				}
				return &m, nil
			}),
	}
}

// InsertValues get-or-creates each named metric and appends one sample
// per entry, all stamped with the same time.
func (r *MetricsRepository) InsertValues(ctx context.Context, values map[string]float64, now time.Time) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	stamp := sqldb.FormatTime(now)
	for _, name := range names {
		m, err := r.FindOrCreateOne(ctx, Criteria{"name": name}, nil)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx,
			"INSERT INTO metric_values (metric_id, value, created_at) VALUES (?, ?, ?)",
			m.ID, values[name], stamp)
		if err != nil {
			return fmt.Errorf("insert metric value %s: %w", name, err)
		}
	}
	return nil
}

// Values returns the samples of one metric, oldest first. Mostly a test
// and debugging aid; the dashboard reads aggregates instead.
func (r *MetricsRepository) Values(ctx context.Context, name string) ([]models.MetricValue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT v.id, v.metric_id, v.value, v.created_at
		   FROM metric_values v JOIN metrics m ON m.id = v.metric_id
		  WHERE m.name = ? ORDER BY v.id ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("select metric values %s: %w", name, err)
	}
	defer rows.Close()

	var out []models.MetricValue
	for rows.Next() {
		var v models.MetricValue
		var createdAt sqldb.NullTime
		if err := rows.Scan(&v.ID, &v.MetricID, &v.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric value row: %w", err)
		}
		if createdAt.Valid {
			v.CreatedAt = createdAt.Time
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
