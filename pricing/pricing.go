// Package pricing enriches canonical transactions with prices at transaction
// time. Four stages run in order: derive execution prices from fiat trade
// legs, normalize non-USD fiat prices to USD, fetch market quotes for what
// remains, then derive again so fetched prices flow through ratios and
// confirmed links. Writes are priority ordered and never downgrade.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ListTransactions(ctx context.Context) ([]model.Transaction, error)
	UpdateTransactionPrices(ctx context.Context, t *model.Transaction) error
	ListLinksByStatus(ctx context.Context, status model.LinkStatus) ([]model.TransactionLink, error)
	LatestOverride(ctx context.Context, kind model.OverrideType, targetKey string) (*model.OverrideEvent, error)
	AppendOverride(ctx context.Context, kind model.OverrideType, targetKey string, payload map[string]interface{}) error
	CachePrice(ctx context.Context, assetSymbol, currency string, ts time.Time, granularity model.PriceGranularity, amount decimal.Decimal, source model.PriceSource) error
	LookupPrice(ctx context.Context, assetSymbol, currency string, ts time.Time, granularity model.PriceGranularity) (*model.PriceAtTxTime, error)
}

// FXProvider resolves a fiat exchange rate for a day.
type FXProvider interface {
	Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error)
}

// MarketProvider quotes an asset's price in a currency at a point in time.
type MarketProvider interface {
	Quote(ctx context.Context, assetSymbol, currency string, at time.Time) (decimal.Decimal, model.PriceGranularity, error)
}

// Prompter asks the user for a missing FX rate when the pipeline runs in
// prompt mode. Returning an error skips the conversion.
type Prompter interface {
	PromptFXRate(from, to string, at time.Time) (decimal.Decimal, error)
}

// FXMissingMode selects how Stage 2 treats a missing FX rate.
type FXMissingMode string

const (
	FXPrompt FXMissingMode = "prompt"
	FXFail   FXMissingMode = "fail"
)

// Stage names, for selecting a subset of the pipeline.
const (
	StageDerive    = "derive"
	StageNormalize = "normalize"
	StageFetch     = "fetch"
	StageDerive2   = "derive2"
)

// Options configures one enrichment run. An empty Stages list runs all four.
type Options struct {
	Stages              []string
	FXMissing           FXMissingMode
	MaxReportedFailures int
}

func (o Options) wants(stage string) bool {
	if len(o.Stages) == 0 {
		return true
	}
	for _, s := range o.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageStats reports one stage's outcome.
type StageStats struct {
	Updated  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// RunStats reports a whole enrichment run.
type RunStats struct {
	Derive    StageStats
	Normalize StageStats
	Fetch     StageStats
	Derive2   StageStats
}

// Pipeline wires the four stages over one store.
type Pipeline struct {
	store    Store
	fx       FXProvider
	market   MarketProvider
	prompter Prompter
	logger   *logging.ComponentLogger
}

func NewPipeline(store Store, fx FXProvider, market MarketProvider, prompter Prompter, logger *logging.ComponentLogger) *Pipeline {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pipeline{store: store, fx: fx, market: market, prompter: prompter, logger: logger}
}

// EnrichPrices runs the selected stages in order. A Stage 2 failure in fail
// mode aborts before Stage 3 so no movement is written with a bad price.
func (p *Pipeline) EnrichPrices(ctx context.Context, opts Options) (*RunStats, error) {
	if opts.MaxReportedFailures <= 0 {
		opts.MaxReportedFailures = 5
	}
	if opts.FXMissing == "" {
		opts.FXMissing = FXPrompt
	}

	txs, err := p.store.ListTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}
	links, err := p.store.ListLinksByStatus(ctx, model.LinkConfirmed)
	if err != nil {
		return nil, fmt.Errorf("loading confirmed links: %w", err)
	}

	stats := &RunStats{}

	if opts.wants(StageDerive) {
		stats.Derive = p.runStage(ctx, StageDerive, txs, func() StageStats {
			return p.derive(txs, links)
		})
	}
	if opts.wants(StageNormalize) {
		started := time.Now()
		normStats, err := p.normalize(ctx, txs, opts)
		normStats.Duration = time.Since(started)
		stats.Normalize = normStats
		p.logger.LogEnrichmentStage(StageNormalize, normStats.Updated, normStats.Skipped, normStats.Failed, normStats.Duration)
		if err != nil {
			return stats, err
		}
		if err := p.flush(ctx, txs); err != nil {
			return stats, err
		}
	}
	if opts.wants(StageFetch) {
		started := time.Now()
		fetchStats := p.fetch(ctx, txs)
		fetchStats.Duration = time.Since(started)
		stats.Fetch = fetchStats
		p.logger.LogEnrichmentStage(StageFetch, fetchStats.Updated, fetchStats.Skipped, fetchStats.Failed, fetchStats.Duration)
		if err := p.flush(ctx, txs); err != nil {
			return stats, err
		}
	}
	if opts.wants(StageDerive2) {
		stats.Derive2 = p.runStage(ctx, StageDerive2, txs, func() StageStats {
			return p.derive(txs, links)
		})
	}
	return stats, nil
}

func (p *Pipeline) runStage(ctx context.Context, name string, txs []model.Transaction, fn func() StageStats) StageStats {
	started := time.Now()
	stats := fn()
	stats.Duration = time.Since(started)
	p.logger.LogEnrichmentStage(name, stats.Updated, stats.Skipped, stats.Failed, stats.Duration)
	if err := p.flush(ctx, txs); err != nil {
		p.logger.Error().Str("stage", name).Err(err).Msg("Flushing enriched prices failed")
		stats.Failed++
	}
	return stats
}

// flush persists every transaction that carries at least one price. Writes
// are idempotent so rewriting an unchanged row is harmless.
func (p *Pipeline) flush(ctx context.Context, txs []model.Transaction) error {
	for i := range txs {
		if !hasAnyPrice(&txs[i]) {
			continue
		}
		if err := p.store.UpdateTransactionPrices(ctx, &txs[i]); err != nil {
			return fmt.Errorf("persisting prices for %s/%s: %w", txs[i].Source, txs[i].ExternalID, err)
		}
	}
	return nil
}

func hasAnyPrice(t *model.Transaction) bool {
	for i := range t.Movements.Inflows {
		if t.Movements.Inflows[i].PriceAtTxTime != nil {
			return true
		}
	}
	for i := range t.Movements.Outflows {
		if t.Movements.Outflows[i].PriceAtTxTime != nil {
			return true
		}
	}
	for i := range t.Fees {
		if t.Fees[i].PriceAtTxTime != nil {
			return true
		}
	}
	return false
}

// setPrice writes a price onto a movement if the source's priority allows
// it. Reports whether the movement changed.
func setPrice(m *model.Movement, price model.PriceAtTxTime) bool {
	if !price.Source.CanOverwrite(m.PriceAtTxTime) {
		return false
	}
	if m.PriceAtTxTime != nil && m.PriceAtTxTime.Source == price.Source &&
		m.PriceAtTxTime.Price.Currency == price.Price.Currency &&
		m.PriceAtTxTime.Price.Amount.Equal(price.Price.Amount) {
		return false
	}
	cp := price
	m.PriceAtTxTime = &cp
	return true
}

func setFeePrice(f *model.Fee, price model.PriceAtTxTime) bool {
	if !price.Source.CanOverwrite(f.PriceAtTxTime) {
		return false
	}
	if f.PriceAtTxTime != nil && f.PriceAtTxTime.Source == price.Source &&
		f.PriceAtTxTime.Price.Currency == price.Price.Currency &&
		f.PriceAtTxTime.Price.Amount.Equal(price.Price.Amount) {
		return false
	}
	cp := price
	f.PriceAtTxTime = &cp
	return true
}
