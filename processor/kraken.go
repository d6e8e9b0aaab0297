package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jbelanger/exitbook/model"
)

// KrakenProcessor maps Kraken ledger entries, API and CSV alike, into
// canonical transactions. Entries sharing a correlation id form one logical
// event: both legs of a trade, or a transfer together with its fee row.
type KrakenProcessor struct{}

func NewKrakenProcessor() *KrakenProcessor { return &KrakenProcessor{} }

func (p *KrakenProcessor) Source() string { return "kraken" }

func (p *KrakenProcessor) Process(account *model.Account, records []model.RawTransaction) (*Result, error) {
	result := &Result{}

	type group struct {
		entries []model.ExchangeLedgerEntry
		rawIDs  []int64
	}
	groups := make(map[string]*group)
	var order []string

	for _, rec := range records {
		var entry model.ExchangeLedgerEntry
		if err := json.Unmarshal(rec.NormalizedData, &entry); err != nil {
			result.FailedIDs = append(result.FailedIDs, rec.ID)
			result.Errors = append(result.Errors,
				fmt.Errorf("decoding ledger entry for raw %d: %w", rec.ID, err))
			continue
		}
		key := entry.CorrelationID
		if key == "" {
			key = entry.ID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.entries = append(g.entries, entry)
		g.rawIDs = append(g.rawIDs, rec.ID)
	}

	for _, key := range order {
		g := groups[key]
		tx := p.buildTransaction(account, key, g.entries)
		result.Transactions = append(result.Transactions, tx)
		result.ProcessedIDs = append(result.ProcessedIDs, g.rawIDs...)
	}
	return result, nil
}

func (p *KrakenProcessor) buildTransaction(account *model.Account, correlationID string, entries []model.ExchangeLedgerEntry) model.Transaction {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	var movements model.Movements
	var fees []model.Fee
	var latest time.Time
	var hint string

	for _, e := range entries {
		if e.Timestamp.After(latest) {
			latest = e.Timestamp
		}
		if hint == "" || e.Type == "staking" {
			hint = e.Type
		}
		switch {
		case e.Amount.IsPositive():
			movements.Inflows = append(movements.Inflows, model.Movement{
				AssetSymbol: e.Asset,
				GrossAmount: e.Amount,
				NetAmount:   e.Amount,
			})
		case e.Amount.IsNegative():
			movements.Outflows = append(movements.Outflows, model.Movement{
				AssetSymbol: e.Asset,
				GrossAmount: e.Amount.Neg(),
				NetAmount:   e.Amount.Neg(),
			})
		}
		if e.Fee.IsPositive() {
			feeAsset := e.FeeCurrency
			if feeAsset == "" {
				feeAsset = e.Asset
			}
			fees = append(fees, model.Fee{
				AssetSymbol: feeAsset,
				Amount:      e.Fee,
				Scope:       model.FeeScopePlatform,
				Settlement:  model.FeeSettleBalance,
			})
		}
	}

	movements.Consolidate()
	operation, notes := Classify(movements, fees, FlowContext{TypeHint: hint})

	return model.Transaction{
		AccountID:  account.ID,
		ExternalID: correlationID,
		Source:     "kraken",
		SourceType: account.AccountType,
		Datetime:   latest.UTC(),
		Timestamp:  latest.UnixMilli(),
		Status:     "ok",
		Movements:  movements,
		Fees:       fees,
		Operation:  operation,
		Notes:      notes,
	}
}
