package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/model"
)

// SaveLink upserts a transaction link keyed by its symmetric fingerprint.
// A re-suggested link never downgrades a confirmed or rejected status.
func (s *Store) SaveLink(ctx context.Context, link *model.TransactionLink) error {
	fingerprint := model.LinkFingerprint(
		link.FromSource, link.FromExternalID,
		link.ToSource, link.ToExternalID, link.AssetSymbol)
	if link.Status == "" {
		link.Status = model.LinkSuggested
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_links (
			from_source, from_external_id, to_source, to_external_id,
			asset_symbol, status, confidence, fingerprint
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fingerprint) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			updated_at = now()
		WHERE transaction_links.status = 'suggested'`,
		link.FromSource, link.FromExternalID, link.ToSource, link.ToExternalID,
		link.AssetSymbol, link.Status, link.Confidence, fingerprint)
	if err != nil {
		return fmt.Errorf("saving link %s: %w", fingerprint, err)
	}
	return nil
}

// SetLinkStatus confirms or rejects a link.
func (s *Store) SetLinkStatus(ctx context.Context, fingerprint string, status model.LinkStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_links SET status = $1, updated_at = $2
		WHERE fingerprint = $3`, status, time.Now().UTC(), fingerprint)
	if err != nil {
		return fmt.Errorf("setting link status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking link update: %w", err)
	}
	if n == 0 {
		return model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("link %s not found", fingerprint))
	}
	return nil
}

// ListLinksByStatus returns links in one review state.
func (s *Store) ListLinksByStatus(ctx context.Context, status model.LinkStatus) ([]model.TransactionLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_source, from_external_id, to_source, to_external_id,
		       asset_symbol, status, confidence, created_at, updated_at
		FROM transaction_links WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	defer rows.Close()

	var links []model.TransactionLink
	for rows.Next() {
		var l model.TransactionLink
		err := rows.Scan(&l.ID, &l.FromSource, &l.FromExternalID, &l.ToSource,
			&l.ToExternalID, &l.AssetSymbol, &l.Status, &l.Confidence,
			&l.CreatedAt, &l.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// AppendOverride records one user override. The log is append-only; readers
// take the latest event per (kind, target).
func (s *Store) AppendOverride(ctx context.Context, kind model.OverrideType, targetKey string, payload map[string]interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding override payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO overrides (kind, target_key, payload) VALUES ($1, $2, $3)`,
		kind, targetKey, encoded)
	if err != nil {
		return fmt.Errorf("appending override: %w", err)
	}
	return nil
}

// LatestOverride returns the most recent override of a kind for a target,
// or nil when none exists.
func (s *Store) LatestOverride(ctx context.Context, kind model.OverrideType, targetKey string) (*model.OverrideEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, target_key, payload, created_at
		FROM overrides WHERE kind = $1 AND target_key = $2
		ORDER BY id DESC LIMIT 1`, kind, targetKey)

	var event model.OverrideEvent
	var payload []byte
	err := row.Scan(&event.ID, &event.Type, &event.Fingerprint, &payload, &event.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading override: %w", err)
	}
	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return nil, fmt.Errorf("decoding override payload: %w", err)
	}
	return &event, nil
}

// CachePrice stores one quoted price. Conflicting quotes for the same
// (asset, currency, ts, granularity) keep the first write.
func (s *Store) CachePrice(ctx context.Context, assetSymbol, currency string, ts time.Time, granularity model.PriceGranularity, amount decimal.Decimal, source model.PriceSource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (asset_symbol, currency, ts, granularity, amount, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset_symbol, currency, ts, granularity) DO NOTHING`,
		assetSymbol, currency, ts, granularity, amount.String(), source)
	if err != nil {
		return fmt.Errorf("caching price %s/%s: %w", assetSymbol, currency, err)
	}
	return nil
}

// LookupPrice returns the cached quote, or nil on a miss.
func (s *Store) LookupPrice(ctx context.Context, assetSymbol, currency string, ts time.Time, granularity model.PriceGranularity) (*model.PriceAtTxTime, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT amount, source, created_at FROM prices
		WHERE asset_symbol = $1 AND currency = $2 AND ts = $3 AND granularity = $4`,
		assetSymbol, currency, ts, granularity)

	var amount string
	var source model.PriceSource
	var fetchedAt time.Time
	err := row.Scan(&amount, &source, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up price: %w", err)
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("decoding cached price: %w", err)
	}
	return &model.PriceAtTxTime{
		Price:       model.Price{Amount: value, Currency: currency},
		Source:      source,
		FetchedAt:   fetchedAt,
		Granularity: granularity,
	}, nil
}
