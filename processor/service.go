package processor

import (
	"context"
	"fmt"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
)

// Store is the persistence surface the processing pass needs. CommitProcessed
// must be atomic: the canonical saves and the raw status flips land together
// or not at all, so a failed account keeps its raws pending for a retry.
type Store interface {
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	ListPendingRaw(ctx context.Context, accountID string) ([]model.RawTransaction, error)
	CommitProcessed(ctx context.Context, txs []model.Transaction, processedIDs, failedIDs []int64) error
}

// Summary reports one processing pass over all accounts.
type Summary struct {
	Processed int
	Failed    int
	Errors    []string
}

// Service runs every registered processor over the pending raw records of
// every account. Accounts are independent: a failure in one aborts that
// account's run only and the pass continues.
type Service struct {
	store    Store
	registry *Registry
	logger   *logging.ComponentLogger
}

func NewService(store Store, registry *Registry, logger *logging.ComponentLogger) *Service {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Service{store: store, registry: registry, logger: logger}
}

// ProcessAllPending consumes every account's pending raw records and commits
// the resulting canonical transactions account by account.
func (s *Service) ProcessAllPending(ctx context.Context) (*Summary, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	summary := &Summary{}
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := s.processAccount(ctx, account, summary); err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("account %s: %v", account.ID, err))
			s.logger.Error().
				Str("account_id", account.ID).
				Str("source", account.SourceName).
				Err(err).
				Msg("Account processing aborted, raws stay pending")
		}
	}
	return summary, nil
}

func (s *Service) processAccount(ctx context.Context, account *model.Account, summary *Summary) error {
	pending, err := s.store.ListPendingRaw(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("listing pending raws: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	proc, ok := s.registry.Lookup(account.SourceName)
	if !ok {
		return fmt.Errorf("no processor registered for source %s", account.SourceName)
	}

	result, err := proc.Process(account, pending)
	if err != nil {
		return fmt.Errorf("processing: %w", err)
	}

	if err := s.store.CommitProcessed(ctx, result.Transactions, result.ProcessedIDs, result.FailedIDs); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	summary.Processed += len(result.ProcessedIDs)
	summary.Failed += len(result.FailedIDs)
	for _, perr := range result.Errors {
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("account %s: %v", account.ID, perr))
	}

	s.logger.Info().
		Str("account_id", account.ID).
		Str("source", account.SourceName).
		Int("transactions", len(result.Transactions)).
		Int("processed", len(result.ProcessedIDs)).
		Int("failed", len(result.FailedIDs)).
		Msg("Account processed")
	return nil
}
