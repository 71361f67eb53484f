package storage

import (
	"context"
	"time"
)

// Metric series appended by RecordStorageMetrics.
const (
	MetricTransactions = "storage.transactions"
	MetricMessages     = "storage.messages"
	MetricBlobs        = "storage.blobs"
	MetricBlobsOrphans = "storage.blobs.orphans"
)

// DeleteOldTransactions removes transactions older than the retention
// window, except flagged ones. Returns how many were deleted.
func (s *Storage) DeleteOldTransactions(ctx context.Context) (int64, error) {
	return s.transactions.DeleteOld(ctx, s.retention.Std(), time.Now().UTC())
}

// DeleteOrphanBlobs removes blobs no message references and invalidates
// their ids in the existence cache, so an identical payload stored later
// is written to the backend again.
func (s *Storage) DeleteOrphanBlobs(ctx context.Context) (int64, error) {
	ids, err := s.blobRows.DeleteOrphans(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.blobs.Forget(id)
	}
	return int64(len(ids)), nil
}

// RecordStorageMetrics appends the current table sizes as metric samples.
func (s *Storage) RecordStorageMetrics(ctx context.Context) error {
	transactions, err := s.transactions.Count(ctx, nil)
	if err != nil {
		return err
	}
	messages, err := s.messages.Count(ctx, nil)
	if err != nil {
		return err
	}
	blobCount, err := s.blobRows.Count(ctx, nil)
	if err != nil {
		return err
	}
	orphans, err := s.blobRows.CountOrphans(ctx)
	if err != nil {
		return err
	}
	return s.metrics.InsertValues(ctx, map[string]float64{
		MetricTransactions: float64(transactions),
		MetricMessages:     float64(messages),
		MetricBlobs:        float64(blobCount),
		MetricBlobsOrphans: float64(orphans),
	}, time.Now().UTC())
}
