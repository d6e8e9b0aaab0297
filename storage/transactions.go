package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jbelanger/exitbook/model"
)

// SaveTransactionsTx upserts canonical transactions inside the caller's
// transaction. (source, external_id) is the stable identity: a re-run
// replaces the row wholesale, enriched prices included; the next enrichment
// run re-derives them, which is idempotent over unchanged raws.
func (s *Store) SaveTransactionsTx(ctx context.Context, tx *sql.Tx, txs []model.Transaction) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			source, external_id, source_type, account_id, ts,
			operation_category, operation_type, movements, fees, notes,
			blockchain, is_spam, excluded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source, external_id) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			account_id = EXCLUDED.account_id,
			ts = EXCLUDED.ts,
			operation_category = EXCLUDED.operation_category,
			operation_type = EXCLUDED.operation_type,
			movements = EXCLUDED.movements,
			fees = EXCLUDED.fees,
			notes = EXCLUDED.notes,
			blockchain = EXCLUDED.blockchain,
			is_spam = EXCLUDED.is_spam,
			excluded = EXCLUDED.excluded,
			updated_at = now()`)
	if err != nil {
		return fmt.Errorf("preparing transaction upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		movements, err := json.Marshal(t.Movements)
		if err != nil {
			return fmt.Errorf("encoding movements for %s: %w", t.ExternalID, err)
		}
		fees, err := json.Marshal(t.Fees)
		if err != nil {
			return fmt.Errorf("encoding fees for %s: %w", t.ExternalID, err)
		}
		notes, err := json.Marshal(t.Notes)
		if err != nil {
			return fmt.Errorf("encoding notes for %s: %w", t.ExternalID, err)
		}
		var blockchain []byte
		if t.Blockchain != nil {
			blockchain, err = json.Marshal(t.Blockchain)
			if err != nil {
				return fmt.Errorf("encoding blockchain info for %s: %w", t.ExternalID, err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			t.Source, t.ExternalID, t.SourceType, nullable(t.AccountID),
			t.Datetime, t.Operation.Category, t.Operation.Type,
			movements, fees, notes, nullableBytes(blockchain),
			t.IsSpam, t.ExcludedFromAccounting); err != nil {
			return fmt.Errorf("upserting transaction %s/%s: %w", t.Source, t.ExternalID, err)
		}
	}
	return nil
}

const transactionColumns = `
	id, source, external_id, source_type, COALESCE(account_id, ''), ts,
	operation_category, operation_type, movements, fees, notes,
	blockchain, is_spam, excluded`

// ListTransactions returns every canonical transaction ordered by time.
func (s *Store) ListTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY ts, id`)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// GetTransaction loads one transaction by identity.
func (s *Store) GetTransaction(ctx context.Context, source, externalID string) (*model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE source = $1 AND external_id = $2`, source, externalID)
	if err != nil {
		return nil, fmt.Errorf("loading transaction: %w", err)
	}
	defer rows.Close()
	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("transaction %s/%s not found", source, externalID))
	}
	return &txs[0], nil
}

func scanTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var movements, fees, notes []byte
		var blockchain sql.NullString
		err := rows.Scan(&t.ID, &t.Source, &t.ExternalID, &t.SourceType,
			&t.AccountID, &t.Datetime, &t.Operation.Category, &t.Operation.Type,
			&movements, &fees, &notes, &blockchain, &t.IsSpam, &t.ExcludedFromAccounting)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		if err := json.Unmarshal(movements, &t.Movements); err != nil {
			return nil, fmt.Errorf("decoding movements for %s: %w", t.ExternalID, err)
		}
		if err := json.Unmarshal(fees, &t.Fees); err != nil {
			return nil, fmt.Errorf("decoding fees for %s: %w", t.ExternalID, err)
		}
		if len(notes) > 0 {
			if err := json.Unmarshal(notes, &t.Notes); err != nil {
				return nil, fmt.Errorf("decoding notes for %s: %w", t.ExternalID, err)
			}
		}
		if blockchain.Valid && blockchain.String != "" {
			t.Blockchain = &model.BlockchainInfo{}
			if err := json.Unmarshal([]byte(blockchain.String), t.Blockchain); err != nil {
				return nil, fmt.Errorf("decoding blockchain info for %s: %w", t.ExternalID, err)
			}
		}
		t.Timestamp = t.Datetime.UnixMilli()
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTransactionPrices rewrites the movements and fees of one transaction
// after an enrichment stage.
func (s *Store) UpdateTransactionPrices(ctx context.Context, t *model.Transaction) error {
	movements, err := json.Marshal(t.Movements)
	if err != nil {
		return fmt.Errorf("encoding movements for %s: %w", t.ExternalID, err)
	}
	fees, err := json.Marshal(t.Fees)
	if err != nil {
		return fmt.Errorf("encoding fees for %s: %w", t.ExternalID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE transactions SET movements = $1, fees = $2, updated_at = $3
		WHERE source = $4 AND external_id = $5`,
		movements, fees, time.Now().UTC(), t.Source, t.ExternalID)
	if err != nil {
		return fmt.Errorf("updating prices for %s/%s: %w", t.Source, t.ExternalID, err)
	}
	return nil
}
