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

// CreateSession opens an import session in status started.
func (s *Store) CreateSession(ctx context.Context, accountID, operation, providerName string) (*model.ImportSession, error) {
	session := &model.ImportSession{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Operation:    operation,
		ProviderName: providerName,
		Status:       model.SessionStarted,
		StartedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_sessions (id, account_id, operation, provider_name, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.AccountID, session.Operation,
		nullable(session.ProviderName), session.Status, session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("creating import session: %w", err)
	}
	return session, nil
}

// FinishSession transitions a session to a terminal status with its counts
// and optional error.
func (s *Store) FinishSession(ctx context.Context, session *model.ImportSession, status model.SessionStatus, cause error) error {
	if !status.IsTerminal() {
		return model.NewError(model.ErrCodeInternal,
			fmt.Sprintf("status %s is not terminal", status))
	}
	now := time.Now().UTC()
	session.Status = status
	session.CompletedAt = &now
	session.DurationMs = now.Sub(session.StartedAt).Milliseconds()

	var errMsg sql.NullString
	var errDetails []byte
	if cause != nil {
		session.ErrorMessage = cause.Error()
		errMsg = sql.NullString{String: session.ErrorMessage, Valid: true}
		var ce *model.Error
		if model.AsError(cause, &ce) && len(ce.Details) > 0 {
			errDetails, _ = json.Marshal(ce.Details)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE import_sessions
		SET status = $1, finished_at = $2, duration_ms = $3,
		    imported = $4, deduplicated = $5, error_message = $6, error_details = $7
		WHERE id = $8`,
		status, now, session.DurationMs,
		session.TransactionsImported, session.TransactionsDeduplicated,
		errMsg, nullableBytes(errDetails), session.ID)
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", session.ID, err)
	}
	return nil
}

// RecordSessionError appends one error observation to a session. Used for
// per-provider failures that did not end the run.
func (s *Store) RecordSessionError(ctx context.Context, sessionID string, cause error) error {
	code := model.CodeOf(cause)
	var details []byte
	var ce *model.Error
	if model.AsError(cause, &ce) && len(ce.Details) > 0 {
		details, _ = json.Marshal(ce.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_session_errors (session_id, error_code, message, details)
		VALUES ($1, $2, $3, $4)`,
		sessionID, code, cause.Error(), nullableBytes(details))
	if err != nil {
		return fmt.Errorf("recording session error: %w", err)
	}
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*model.ImportSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, operation, COALESCE(provider_name, ''), status,
		       started_at, finished_at, COALESCE(duration_ms, 0),
		       imported, deduplicated, COALESCE(error_message, '')
		FROM import_sessions WHERE id = $1`, id)

	var session model.ImportSession
	err := row.Scan(&session.ID, &session.AccountID, &session.Operation,
		&session.ProviderName, &session.Status, &session.StartedAt,
		&session.CompletedAt, &session.DurationMs,
		&session.TransactionsImported, &session.TransactionsDeduplicated,
		&session.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, model.NewError(model.ErrCodeValidation, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &session, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
