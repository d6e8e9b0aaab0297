package storage

import (
	"context"
	"database/sql"

	"github.com/jbelanger/exitbook/model"
)

// CommitBatch atomically persists one streamed batch and advances the
// account's cursor for the operation. The insert is idempotent on
// (account_id, event_id); the return value is the count of rows actually
// inserted, the remainder having been deduplicated.
func (s *Store) CommitBatch(ctx context.Context, accountID, operation string, records []model.RawTransaction, cursor *model.CursorState) (int64, error) {
	var inserted int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := s.InsertRawBatchTx(ctx, tx, accountID, records)
		if err != nil {
			return err
		}
		inserted = n
		if cursor != nil {
			return s.AdvanceCursorTx(ctx, tx, accountID, operation, cursor)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// CommitProcessed atomically saves the canonical transactions produced from
// one account's pending raw records and flips those records' statuses. A
// failure rolls back everything, leaving the account untouched for a retry.
func (s *Store) CommitProcessed(ctx context.Context, txs []model.Transaction, processedIDs, failedIDs []int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.SaveTransactionsTx(ctx, tx, txs); err != nil {
			return err
		}
		if err := s.MarkRawStatusTx(ctx, tx, processedIDs, model.RawProcessed); err != nil {
			return err
		}
		return s.MarkRawStatusTx(ctx, tx, failedIDs, model.RawFailed)
	})
}
