package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbelanger/exitbook/model"
)

// DefaultUserID is the single-tenant user every account hangs off until a
// multi-user surface exists.
const DefaultUserID = "default"

// EnsureDefaultUser inserts the default user if missing.
func (s *Store) EnsureDefaultUser(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, DefaultUserID)
	if err != nil {
		return fmt.Errorf("ensuring default user: %w", err)
	}
	return nil
}

// GetOrCreateAccount resolves the unique (user, type, source, identifier)
// account, creating it on first sight. parentID is empty for top-level
// accounts and set for xpub-derived children.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID string, accountType model.AccountType, sourceName, identifier, parentID string) (*model.Account, error) {
	var parent sql.NullString
	if parentID != "" {
		parent = sql.NullString{String: parentID, Valid: true}
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, parent_account_id, account_type, source_name, identifier)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, account_type, source_name, identifier) DO NOTHING`,
		id, userID, parent, accountType, sourceName, identifier)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return s.getAccount(ctx, userID, accountType, sourceName, identifier)
}

func (s *Store) getAccount(ctx context.Context, userID string, accountType model.AccountType, sourceName, identifier string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(parent_account_id, ''), account_type,
		       source_name, identifier, last_cursor, created_at, updated_at
		FROM accounts
		WHERE user_id = $1 AND account_type = $2 AND source_name = $3 AND identifier = $4`,
		userID, accountType, sourceName, identifier)
	return scanAccount(row)
}

// GetAccountByID loads one account.
func (s *Store) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(parent_account_id, ''), account_type,
		       source_name, identifier, last_cursor, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// ListAccounts returns every account, parents before children.
func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(parent_account_id, ''), account_type,
		       source_name, identifier, last_cursor, created_at, updated_at
		FROM accounts ORDER BY parent_account_id NULLS FIRST, created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var cursorJSON []byte
	err := row.Scan(&a.ID, &a.UserID, &a.ParentAccountID, &a.AccountType,
		&a.SourceName, &a.Identifier, &cursorJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrCodeValidation, "account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	if len(cursorJSON) > 0 {
		if err := json.Unmarshal(cursorJSON, &a.LastCursor); err != nil {
			return nil, fmt.Errorf("decoding cursor state for account %s: %w", a.ID, err)
		}
	}
	if a.LastCursor == nil {
		a.LastCursor = make(map[string]*model.CursorState)
	}
	return &a, nil
}

// AdvanceCursorTx merges one operation's cursor into the account inside the
// caller's transaction, which also carries the batch insert. A regression
// against the persisted cursor is an internal invariant violation.
func (s *Store) AdvanceCursorTx(ctx context.Context, tx *sql.Tx, accountID, operation string, cursor *model.CursorState) error {
	var cursorJSON []byte
	err := tx.QueryRowContext(ctx,
		`SELECT last_cursor FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&cursorJSON)
	if err != nil {
		return fmt.Errorf("locking account %s: %w", accountID, err)
	}

	cursors := make(map[string]*model.CursorState)
	if len(cursorJSON) > 0 {
		if err := json.Unmarshal(cursorJSON, &cursors); err != nil {
			return fmt.Errorf("decoding cursor state: %w", err)
		}
	}
	if prev := cursors[operation]; prev != nil && prev.Regresses(cursor) {
		return model.NewError(model.ErrCodeInternal,
			fmt.Sprintf("cursor regression on account %s operation %s: %s -> %s",
				accountID, operation, prev.Primary.Value, cursor.Primary.Value))
	}
	cursors[operation] = cursor

	updated, err := json.Marshal(cursors)
	if err != nil {
		return fmt.Errorf("encoding cursor state: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET last_cursor = $1, updated_at = $2 WHERE id = $3`,
		updated, time.Now().UTC(), accountID)
	if err != nil {
		return fmt.Errorf("advancing cursor for account %s: %w", accountID, err)
	}
	return nil
}
