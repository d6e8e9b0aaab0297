package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeLedgerEntry is the normalized projection of one exchange ledger
// row. Entries sharing a CorrelationID describe one logical event (both legs
// of a trade, a transfer and its fee row).
type ExchangeLedgerEntry struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          string          `json:"type"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"fee_currency,omitempty"`
	Status        string          `json:"status"`
}

// NormalizedBlockchainTx is the structured projection a blockchain provider
// client stores next to the raw payload. Processors consume this shape; the
// raw payload is kept only for audit.
type NormalizedBlockchainTx struct {
	Hash        string          `json:"hash"`
	BlockHeight int64           `json:"block_height"`
	Timestamp   time.Time       `json:"timestamp"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	AssetSymbol string          `json:"asset_symbol"`
	Amount      decimal.Decimal `json:"amount"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeSymbol   string          `json:"fee_symbol,omitempty"`
	TypeHint    string          `json:"type_hint,omitempty"`
	TraceIndex  string          `json:"trace_index,omitempty"`
	LogIndex    string          `json:"log_index,omitempty"`
	IsConfirmed bool            `json:"is_confirmed"`
	IsError     bool            `json:"is_error"`
}
