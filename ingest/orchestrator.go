package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/sources"
)

// Default number of consecutive unused derived addresses that terminates an
// xpub fan-out, matching the BIP44 gap limit.
const defaultXpubGap = 20

// Hard ceiling on derived children so a pathological gap setting cannot spin
// the fan-out forever.
const maxDerivedAddresses = 500

// AccountStore resolves accounts for the orchestrator.
type AccountStore interface {
	EnsureDefaultUser(ctx context.Context) error
	GetOrCreateAccount(ctx context.Context, userID string, accountType model.AccountType, sourceName, identifier, parentID string) (*model.Account, error)
}

// Runner executes one import run. Satisfied by ImportService.
type Runner interface {
	Run(ctx context.Context, account *model.Account, operation, providerName string, streamer sources.Streamer) (*RunResult, error)
}

// SourceBundle is a resolved source: the streamer plus the operations to run
// against it and the provider name recorded on sessions.
type SourceBundle struct {
	Streamer     sources.Streamer
	Operations   []string
	ProviderName string
}

// SourceFactory builds streamers. The root wires this to the provider
// manager and the exchange clients; tests substitute fakes.
type SourceFactory interface {
	Blockchain(blockchain, preferredProvider string) (*SourceBundle, error)
	ExchangeAPI(exchange string, credentials map[string]string) (*SourceBundle, error)
	ExchangeCSV(exchange string, csvDirectories []string) (*SourceBundle, error)
}

// ImportResult aggregates one orchestrated import, possibly spanning several
// operations and, for xpubs, several derived child accounts.
type ImportResult struct {
	SessionIDs               []string
	TransactionsImported     int64
	TransactionsDeduplicated int64
	ChildAccounts            int
	Errors                   []string
}

// Orchestrator resolves accounts and delegates to the import service.
type Orchestrator struct {
	store   AccountStore
	runner  Runner
	factory SourceFactory
	logger  *logging.ComponentLogger
}

func NewOrchestrator(store AccountStore, runner Runner, factory SourceFactory, logger *logging.ComponentLogger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Orchestrator{store: store, runner: runner, factory: factory, logger: logger}
}

// ImportBlockchain imports one address or extended public key. Xpubs fan out
// to derived child accounts until a full gap window of unused addresses;
// xpubGap only applies to xpubs and is warned about, not failed on, for a
// plain address.
func (o *Orchestrator) ImportBlockchain(ctx context.Context, blockchain, addressOrXpub, providerName string, xpubGap int) (*ImportResult, error) {
	if err := o.store.EnsureDefaultUser(ctx); err != nil {
		return nil, fmt.Errorf("ensuring default user: %w", err)
	}
	identifier := model.NormalizeAddress(addressOrXpub)
	if identifier == "" {
		return nil, model.NewError(model.ErrCodeValidation, "address or xpub is required")
	}

	bundle, err := o.factory.Blockchain(blockchain, providerName)
	if err != nil {
		return nil, err
	}

	if model.IsExtendedPublicKey(identifier) {
		return o.fanOutXpub(ctx, blockchain, identifier, xpubGap, bundle)
	}
	if xpubGap > 0 {
		o.logger.Warn().
			Str("blockchain", blockchain).
			Int("xpub_gap", xpubGap).
			Msg("xpubGap ignored for a non-xpub address")
	}

	account, err := o.store.GetOrCreateAccount(ctx, storageDefaultUser,
		model.AccountBlockchain, blockchain, identifier, "")
	if err != nil {
		return nil, err
	}
	result := &ImportResult{}
	if err := o.runOperations(ctx, account, bundle, result); err != nil {
		return result, err
	}
	return result, nil
}

// ImportExchangeAPI imports the full ledger history behind one API
// credential pair.
func (o *Orchestrator) ImportExchangeAPI(ctx context.Context, exchange string, credentials map[string]string) (*ImportResult, error) {
	if err := o.store.EnsureDefaultUser(ctx); err != nil {
		return nil, fmt.Errorf("ensuring default user: %w", err)
	}
	identifier := firstNonEmpty(credentials["api_key"], credentials["key"])
	if identifier == "" {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("exchange %s credentials are missing an api_key", exchange))
	}

	bundle, err := o.factory.ExchangeAPI(exchange, credentials)
	if err != nil {
		return nil, err
	}
	account, err := o.store.GetOrCreateAccount(ctx, storageDefaultUser,
		model.AccountExchangeAPI, exchange, identifier, "")
	if err != nil {
		return nil, err
	}
	account.Credentials = credentials

	result := &ImportResult{}
	if err := o.runOperations(ctx, account, bundle, result); err != nil {
		return result, err
	}
	return result, nil
}

// ImportExchangeCSV imports ledger exports from one or more directories. The
// sorted directory list is the account identifier, so re-imports of the same
// directories resume the same cursor.
func (o *Orchestrator) ImportExchangeCSV(ctx context.Context, exchange string, csvDirectories []string) (*ImportResult, error) {
	if err := o.store.EnsureDefaultUser(ctx); err != nil {
		return nil, fmt.Errorf("ensuring default user: %w", err)
	}
	if len(csvDirectories) == 0 {
		return nil, model.NewError(model.ErrCodeValidation, "at least one CSV directory is required")
	}

	bundle, err := o.factory.ExchangeCSV(exchange, csvDirectories)
	if err != nil {
		return nil, err
	}
	account, err := o.store.GetOrCreateAccount(ctx, storageDefaultUser,
		model.AccountExchangeCSV, exchange, model.CSVIdentifier(csvDirectories), "")
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	if err := o.runOperations(ctx, account, bundle, result); err != nil {
		return result, err
	}
	return result, nil
}

// runOperations runs every operation of the bundle against one account,
// aggregating counts. It fails only when no operation succeeded.
func (o *Orchestrator) runOperations(ctx context.Context, account *model.Account, bundle *SourceBundle, result *ImportResult) error {
	var failures []error
	succeeded := false

	for _, operation := range bundle.Operations {
		run, err := o.runner.Run(ctx, account, operation, bundle.ProviderName, bundle.Streamer)
		if run != nil {
			result.SessionIDs = append(result.SessionIDs, run.SessionID)
			result.TransactionsImported += run.TransactionsImported
			result.TransactionsDeduplicated += run.TransactionsDeduplicated
		}
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", operation, err))
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", operation, err))
			if model.IsCancellation(err) {
				return err
			}
			continue
		}
		succeeded = true
	}

	if !succeeded && len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

// fanOutXpub derives receive addresses window by window, importing each as a
// child account, until a full window of addresses with no history.
func (o *Orchestrator) fanOutXpub(ctx context.Context, blockchain, xpub string, xpubGap int, bundle *SourceBundle) (*ImportResult, error) {
	derive, err := sources.DerivationFor(blockchain)
	if err != nil {
		return nil, err
	}
	gap := xpubGap
	if gap <= 0 {
		gap = defaultXpubGap
	}

	parent, err := o.store.GetOrCreateAccount(ctx, storageDefaultUser,
		model.AccountBlockchain, blockchain, xpub, "")
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	anyCommitted := false
	inactiveStreak := 0

	for start := uint32(0); int(start) < maxDerivedAddresses && inactiveStreak < gap; start += uint32(gap) {
		addresses, err := derive(xpub, start, uint32(gap))
		if err != nil {
			return result, err
		}
		for _, address := range addresses {
			if inactiveStreak >= gap {
				break
			}
			child, err := o.store.GetOrCreateAccount(ctx, storageDefaultUser,
				model.AccountBlockchain, blockchain, address, parent.ID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", address, err))
				inactiveStreak++
				continue
			}
			result.ChildAccounts++

			childResult := &ImportResult{}
			runErr := o.runOperations(ctx, child, bundle, childResult)
			result.SessionIDs = append(result.SessionIDs, childResult.SessionIDs...)
			result.TransactionsImported += childResult.TransactionsImported
			result.TransactionsDeduplicated += childResult.TransactionsDeduplicated
			result.Errors = append(result.Errors, childResult.Errors...)
			if runErr != nil && model.IsCancellation(runErr) {
				return result, runErr
			}

			// An address with any history, even fully deduplicated,
			// resets the unused streak.
			if childResult.TransactionsImported+childResult.TransactionsDeduplicated > 0 {
				anyCommitted = true
				inactiveStreak = 0
			} else {
				inactiveStreak++
			}
		}
	}

	if !anyCommitted && len(result.Errors) > 0 {
		return result, model.NewError(model.ErrCodeAllProvidersFailed,
			fmt.Sprintf("xpub fan-out committed nothing across %d derived accounts", result.ChildAccounts))
	}
	o.logger.Info().
		Str("blockchain", blockchain).
		Int("children", result.ChildAccounts).
		Int64("imported", result.TransactionsImported).
		Msg("Xpub fan-out finished")
	return result, nil
}

const storageDefaultUser = "default"

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
