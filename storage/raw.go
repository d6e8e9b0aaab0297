package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jbelanger/exitbook/model"
)

// InsertRawBatchTx inserts a batch of raw records for one account inside the
// caller's transaction. ON CONFLICT (account_id, event_id) DO NOTHING makes
// re-delivery idempotent; the return value counts rows actually inserted, so
// the caller can split imported from deduplicated.
func (s *Store) InsertRawBatchTx(ctx context.Context, tx *sql.Tx, accountID string, records []model.RawTransaction) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_transactions (
			account_id, provider_name, source_address, transaction_type_hint,
			event_id, blockchain_tx_hash, ts, provider_data, normalized_data,
			processing_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, event_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("preparing raw insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			accountID, rec.ProviderName, nullable(rec.SourceAddress),
			nullable(rec.TransactionTypeHint), rec.EventID,
			nullable(rec.BlockchainTxHash), rec.Timestamp,
			[]byte(rec.ProviderData), []byte(rec.NormalizedData),
			model.RawPending)
		if err != nil {
			return inserted, fmt.Errorf("inserting raw record %s: %w", rec.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("checking raw insert %s: %w", rec.EventID, err)
		}
		inserted += n
	}
	return inserted, nil
}

// ListPendingRaw returns the pending raw records for one account in
// insertion order.
func (s *Store) ListPendingRaw(ctx context.Context, accountID string) ([]model.RawTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, provider_name, COALESCE(source_address, ''),
		       COALESCE(transaction_type_hint, ''), event_id,
		       COALESCE(blockchain_tx_hash, ''), ts, provider_data,
		       normalized_data, processing_status, processed_at, created_at
		FROM raw_transactions
		WHERE account_id = $1 AND processing_status = 'pending'
		ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing pending raw records: %w", err)
	}
	defer rows.Close()

	var records []model.RawTransaction
	for rows.Next() {
		var rec model.RawTransaction
		var providerData, normalizedData []byte
		err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ProviderName,
			&rec.SourceAddress, &rec.TransactionTypeHint, &rec.EventID,
			&rec.BlockchainTxHash, &rec.Timestamp, &providerData,
			&normalizedData, &rec.ProcessingStatus, &rec.ProcessedAt, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning raw record: %w", err)
		}
		rec.ProviderData = providerData
		rec.NormalizedData = normalizedData
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkRawStatusTx flips a set of raw records to processed or failed inside
// the caller's transaction.
func (s *Store) MarkRawStatusTx(ctx context.Context, tx *sql.Tx, ids []int64, status model.ProcessingStatus) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE raw_transactions
			SET processing_status = $1, processed_at = $2
			WHERE id = $3`, status, now, id); err != nil {
			return fmt.Errorf("marking raw record %d %s: %w", id, status, err)
		}
	}
	return nil
}

// CountRawByStatus reports raw record counts per processing status for one
// account. Used by the stats reporter.
func (s *Store) CountRawByStatus(ctx context.Context, accountID string) (map[model.ProcessingStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT processing_status, COUNT(*)
		FROM raw_transactions WHERE account_id = $1
		GROUP BY processing_status`, accountID)
	if err != nil {
		return nil, fmt.Errorf("counting raw records: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ProcessingStatus]int64)
	for rows.Next() {
		var status model.ProcessingStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning raw count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
