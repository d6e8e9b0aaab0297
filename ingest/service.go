// Package ingest drives imports end to end: the orchestrator resolves
// accounts (including xpub fan-out) and the import service runs the
// at-least-once streaming protocol with idempotent dedup against one
// account and operation.
package ingest

import (
	"context"
	"fmt"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/sources"
)

// Store is the persistence surface one import run needs. CommitBatch must
// insert the batch's raws and advance the operation cursor in a single
// transaction, returning how many rows were actually inserted.
type Store interface {
	CreateSession(ctx context.Context, accountID, operation, providerName string) (*model.ImportSession, error)
	FinishSession(ctx context.Context, session *model.ImportSession, status model.SessionStatus, cause error) error
	RecordSessionError(ctx context.Context, sessionID string, cause error) error
	CommitBatch(ctx context.Context, accountID, operation string, records []model.RawTransaction, cursor *model.CursorState) (int64, error)
	TryImportLock(ctx context.Context, accountID, operation string) (bool, error)
	ReleaseImportLock(ctx context.Context, accountID, operation string) error
}

// RunResult reports one import run over one (account, operation) pair.
type RunResult struct {
	SessionID                string
	Status                   model.SessionStatus
	TransactionsImported     int64
	TransactionsDeduplicated int64
}

// ImportService owns raw records from fetch to persist.
type ImportService struct {
	store  Store
	logger *logging.ComponentLogger
}

func NewImportService(store Store, logger *logging.ComponentLogger) *ImportService {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ImportService{store: store, logger: logger}
}

// Run executes one import: open a session, resume from the account's cursor,
// consume the stream, and commit each batch with its cursor atomically.
// Concurrent runs on the same (account, operation) are rejected by an
// advisory lock, not row contention.
func (s *ImportService) Run(ctx context.Context, account *model.Account, operation, providerName string, streamer sources.Streamer) (*RunResult, error) {
	locked, err := s.store.TryImportLock(ctx, account.ID, operation)
	if err != nil {
		return nil, fmt.Errorf("acquiring import lock: %w", err)
	}
	if !locked {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("an import is already running for account %s operation %s", account.ID, operation))
	}
	defer func() {
		if err := s.store.ReleaseImportLock(context.WithoutCancel(ctx), account.ID, operation); err != nil {
			s.logger.Warn().Str("account_id", account.ID).Err(err).Msg("Releasing import lock failed")
		}
	}()

	session, err := s.store.CreateSession(ctx, account.ID, operation, providerName)
	if err != nil {
		return nil, fmt.Errorf("opening import session: %w", err)
	}
	s.logger.LogImportStarted(session.ID, account.ID, account.SourceName, operation)

	result := &RunResult{SessionID: session.ID}
	runErr := s.consume(ctx, account, operation, streamer, session, result)

	status := model.SessionCompleted
	switch {
	case runErr == nil:
	case model.IsCancellation(runErr):
		status = model.SessionCancelled
	default:
		status = model.SessionFailed
	}
	result.Status = status

	// Terminal bookkeeping survives the caller's cancellation.
	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := s.store.RecordSessionError(finishCtx, session.ID, runErr); err != nil {
			s.logger.Warn().Str("session_id", session.ID).Err(err).Msg("Recording session error failed")
		}
	}
	if err := s.store.FinishSession(finishCtx, session, status, runErr); err != nil {
		s.logger.Error().Str("session_id", session.ID).Err(err).Msg("Finishing session failed")
	}

	return result, runErr
}

func (s *ImportService) consume(ctx context.Context, account *model.Account, operation string, streamer sources.Streamer, session *model.ImportSession, result *RunResult) error {
	resume := account.CursorFor(operation)

	ch, err := streamer.ExecuteStreaming(ctx, account, operation, resume)
	if err != nil {
		return err
	}

	for batch := range ch {
		// Partial batches that arrive alongside an error are committed
		// first so the cursor lands on the last good record.
		if len(batch.Records) > 0 {
			inserted, err := s.store.CommitBatch(ctx, account.ID, operation, batch.Records, batch.Cursor)
			if err != nil {
				return fmt.Errorf("committing batch: %w", err)
			}
			deduped := int64(len(batch.Records)) - inserted
			session.TransactionsImported += inserted
			session.TransactionsDeduplicated += deduped
			result.TransactionsImported += inserted
			result.TransactionsDeduplicated += deduped

			cursorValue := ""
			if batch.Cursor != nil {
				cursorValue = batch.Cursor.Primary.Value
			}
			s.logger.LogBatchCommitted(session.ID, int(inserted), int(deduped), cursorValue)
		} else if batch.Cursor != nil && batch.Err == nil {
			// An empty page can still carry a cursor worth persisting.
			if _, err := s.store.CommitBatch(ctx, account.ID, operation, nil, batch.Cursor); err != nil {
				return fmt.Errorf("committing cursor: %w", err)
			}
		}

		if batch.Err != nil {
			return batch.Err
		}
		if batch.IsComplete {
			return nil
		}
	}

	// The stream closed without a terminal batch; a cancelled context is
	// the usual cause.
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.ErrCodeCancelled, "import cancelled", err)
	}
	return nil
}
