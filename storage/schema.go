package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// requiredTables is the full relational surface; ValidateSchema checks for
// exactly these.
var requiredTables = []string{
	"users",
	"accounts",
	"import_sessions",
	"import_session_errors",
	"raw_transactions",
	"transactions",
	"transaction_links",
	"prices",
	"overrides",
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL REFERENCES users(id),
		parent_account_id  TEXT REFERENCES accounts(id),
		account_type       TEXT NOT NULL,
		source_name        TEXT NOT NULL,
		identifier         TEXT NOT NULL,
		last_cursor        JSONB NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, account_type, source_name, identifier)
	)`,

	`CREATE TABLE IF NOT EXISTS import_sessions (
		id             TEXT PRIMARY KEY,
		account_id     TEXT NOT NULL REFERENCES accounts(id),
		operation      TEXT NOT NULL,
		provider_name  TEXT,
		status         TEXT NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ,
		duration_ms    BIGINT,
		imported       BIGINT NOT NULL DEFAULT 0,
		deduplicated   BIGINT NOT NULL DEFAULT 0,
		error_message  TEXT,
		error_details  JSONB
	)`,

	`CREATE TABLE IF NOT EXISTS import_session_errors (
		id          BIGSERIAL PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES import_sessions(id),
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		error_code  TEXT NOT NULL,
		message     TEXT NOT NULL,
		details     JSONB
	)`,

	`CREATE TABLE IF NOT EXISTS raw_transactions (
		id                    BIGSERIAL PRIMARY KEY,
		account_id            TEXT NOT NULL REFERENCES accounts(id),
		provider_name         TEXT NOT NULL,
		source_address        TEXT,
		transaction_type_hint TEXT,
		event_id              TEXT NOT NULL,
		blockchain_tx_hash    TEXT,
		ts                    TIMESTAMPTZ NOT NULL,
		provider_data         JSONB NOT NULL,
		normalized_data       JSONB NOT NULL,
		processing_status     TEXT NOT NULL DEFAULT 'pending',
		processed_at          TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (account_id, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id                  BIGSERIAL PRIMARY KEY,
		source              TEXT NOT NULL,
		external_id         TEXT NOT NULL,
		source_type         TEXT NOT NULL,
		account_id          TEXT REFERENCES accounts(id),
		ts                  TIMESTAMPTZ NOT NULL,
		operation_category  TEXT NOT NULL,
		operation_type      TEXT NOT NULL,
		movements           JSONB NOT NULL,
		fees                JSONB NOT NULL DEFAULT '[]',
		notes               JSONB NOT NULL DEFAULT '[]',
		blockchain          JSONB,
		is_spam             BOOLEAN NOT NULL DEFAULT false,
		excluded            BOOLEAN NOT NULL DEFAULT false,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (source, external_id)
	)`,

	`CREATE TABLE IF NOT EXISTS transaction_links (
		id               BIGSERIAL PRIMARY KEY,
		from_source      TEXT NOT NULL,
		from_external_id TEXT NOT NULL,
		to_source        TEXT NOT NULL,
		to_external_id   TEXT NOT NULL,
		asset_symbol     TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'suggested',
		confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
		fingerprint      TEXT NOT NULL UNIQUE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS prices (
		id           BIGSERIAL PRIMARY KEY,
		asset_symbol TEXT NOT NULL,
		currency     TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		granularity  TEXT NOT NULL,
		amount       NUMERIC NOT NULL,
		source       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (asset_symbol, currency, ts, granularity)
	)`,

	`CREATE TABLE IF NOT EXISTS overrides (
		id          BIGSERIAL PRIMARY KEY,
		kind        TEXT NOT NULL,
		target_key  TEXT NOT NULL,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_raw_pending
		ON raw_transactions (account_id, processing_status)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_source_ts
		ON transactions (source, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_overrides_target
		ON overrides (kind, target_key)`,
}

// EnsureSchema creates every table and index that is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %q: %w", firstLine(stmt), err)
		}
	}
	s.logger.Info().Int("tables", len(requiredTables)).Msg("Schema ensured")
	return nil
}

// ValidateSchema verifies all required tables exist without mutating
// anything. Used on startup when migrations are managed externally.
func (s *Store) ValidateSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = ANY($1)`,
		pq.Array(requiredTables))
	if err != nil {
		return fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(requiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating tables: %w", err)
	}

	var missing []string
	for _, table := range requiredTables {
		if !present[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
