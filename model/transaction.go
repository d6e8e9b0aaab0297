package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation classifies what a transaction did, category x type.
type Operation struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// Common operation categories and types produced by fund-flow
// classification.
const (
	CategoryTrade    = "trade"
	CategoryTransfer = "transfer"
	CategoryFee      = "fee"
	CategoryStaking  = "staking"

	OpBuy              = "buy"
	OpSell             = "sell"
	OpSwap             = "swap"
	OpDeposit          = "deposit"
	OpWithdrawal       = "withdrawal"
	OpInternalTransfer = "internal_transfer"
	OpReward           = "reward"
	OpFee              = "fee"
)

// NoteSeverity grades processor annotations.
type NoteSeverity string

const (
	NoteInfo    NoteSeverity = "info"
	NoteWarning NoteSeverity = "warning"
	NoteError   NoteSeverity = "error"
)

// Note is a processor annotation on a transaction, e.g. an ambiguous
// classification.
type Note struct {
	Severity NoteSeverity `json:"severity"`
	Message  string       `json:"message"`
}

// Price is a monetary value in a currency.
type Price struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// PriceSource labels where a price came from. Writes are priority ordered:
// a higher priority source may overwrite a lower one, never the reverse.
type PriceSource string

const (
	SourceFiatExecutionTentative PriceSource = "fiat-execution-tentative" // priority 0
	SourceMarketProvider         PriceSource = "market-provider"          // priority 1
	SourceDerivedRatio           PriceSource = "derived-ratio"            // priority 2
	SourceExchangeExecution      PriceSource = "exchange-execution"       // priority 3
	SourceUserProvided           PriceSource = "user-provided"            // priority 3
)

// Priority returns the overwrite rank of a price source.
func (s PriceSource) Priority() int {
	switch s {
	case SourceFiatExecutionTentative:
		return 0
	case SourceMarketProvider:
		return 1
	case SourceDerivedRatio:
		return 2
	case SourceExchangeExecution, SourceUserProvided:
		return 3
	default:
		return -1
	}
}

// PriceGranularity is the resolution of the quoted timestamp.
type PriceGranularity string

const (
	GranularityExact  PriceGranularity = "exact"
	GranularityMinute PriceGranularity = "minute"
	GranularityHour   PriceGranularity = "hour"
	GranularityDay    PriceGranularity = "day"
)

// PriceAtTxTime is the enriched price attached to a movement or fee.
type PriceAtTxTime struct {
	Price       Price            `json:"price"`
	Source      PriceSource      `json:"source"`
	FetchedAt   time.Time        `json:"fetched_at"`
	Granularity PriceGranularity `json:"granularity"`
	FxRateToUSD *decimal.Decimal `json:"fx_rate_to_usd,omitempty"`
	FxSource    string           `json:"fx_source,omitempty"`
	FxTimestamp *time.Time       `json:"fx_timestamp,omitempty"`
}

// CanOverwrite reports whether a write from source s may replace an existing
// price. Equal priority rewrites are allowed so re-runs stay idempotent.
func (s PriceSource) CanOverwrite(existing *PriceAtTxTime) bool {
	if existing == nil {
		return true
	}
	return s.Priority() >= existing.Source.Priority()
}

// Movement is one asset flow within a transaction.
type Movement struct {
	AssetID       string          `json:"asset_id,omitempty"`
	AssetSymbol   string          `json:"asset_symbol"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	PriceAtTxTime *PriceAtTxTime  `json:"price_at_tx_time,omitempty"`
}

// FeeScope distinguishes network fees from platform fees.
type FeeScope string

// FeeSettlement distinguishes fees taken from the moved balance from fees
// settled externally.
type FeeSettlement string

const (
	FeeScopeNetwork  FeeScope = "network"
	FeeScopePlatform FeeScope = "platform"

	FeeSettleBalance  FeeSettlement = "balance"
	FeeSettleExternal FeeSettlement = "external"
)

// Fee is a cost attached to a transaction.
type Fee struct {
	AssetSymbol   string          `json:"asset_symbol"`
	Amount        decimal.Decimal `json:"amount"`
	Scope         FeeScope        `json:"scope"`
	Settlement    FeeSettlement   `json:"settlement"`
	PriceAtTxTime *PriceAtTxTime  `json:"price_at_tx_time,omitempty"`
}

// Movements groups a transaction's asset flows by direction.
type Movements struct {
	Inflows  []Movement `json:"inflows"`
	Outflows []Movement `json:"outflows"`
}

// BlockchainInfo carries chain-specific confirmation data.
type BlockchainInfo struct {
	Name            string `json:"name"`
	BlockHeight     int64  `json:"block_height"`
	TransactionHash string `json:"transaction_hash"`
	IsConfirmed     bool   `json:"is_confirmed"`
}

// Transaction is the canonical processed record. (Source, ExternalID) is
// unique and stable across re-runs.
type Transaction struct {
	ID                     int64           `json:"id"`
	AccountID              string          `json:"account_id"`
	ExternalID             string          `json:"external_id"`
	Datetime               time.Time       `json:"datetime"`
	Timestamp              int64           `json:"timestamp"`
	Source                 string          `json:"source"`
	SourceType             AccountType     `json:"source_type"`
	Status                 string          `json:"status"`
	From                   string          `json:"from,omitempty"`
	To                     string          `json:"to,omitempty"`
	Movements              Movements       `json:"movements"`
	Fees                   []Fee           `json:"fees"`
	Operation              Operation       `json:"operation"`
	Notes                  []Note          `json:"notes,omitempty"`
	Blockchain             *BlockchainInfo `json:"blockchain,omitempty"`
	IsSpam                 bool            `json:"is_spam"`
	ExcludedFromAccounting bool            `json:"excluded_from_accounting"`
}

// ConsolidateMovements merges duplicate asset symbols into single movements,
// summing gross and net amounts. The first occurrence's price survives.
// Order of first appearance is preserved.
func ConsolidateMovements(in []Movement) []Movement {
	if len(in) <= 1 {
		return in
	}
	out := make([]Movement, 0, len(in))
	index := make(map[string]int, len(in))
	for _, m := range in {
		if i, ok := index[m.AssetSymbol]; ok {
			out[i].GrossAmount = out[i].GrossAmount.Add(m.GrossAmount)
			out[i].NetAmount = out[i].NetAmount.Add(m.NetAmount)
			if out[i].PriceAtTxTime == nil {
				out[i].PriceAtTxTime = m.PriceAtTxTime
			}
			continue
		}
		index[m.AssetSymbol] = len(out)
		out = append(out, m)
	}
	return out
}

// Consolidate applies per-asset consolidation to both directions.
func (m *Movements) Consolidate() {
	m.Inflows = ConsolidateMovements(m.Inflows)
	m.Outflows = ConsolidateMovements(m.Outflows)
}

// FiatCurrencies recognized by the enrichment pipeline for identity and
// execution pricing.
var FiatCurrencies = map[string]bool{
	"USD": true, "EUR": true, "CAD": true, "GBP": true,
	"AUD": true, "JPY": true, "CHF": true, "NZD": true,
}

// IsFiat reports whether an asset symbol is a recognized fiat currency.
func IsFiat(symbol string) bool {
	return FiatCurrencies[symbol]
}
