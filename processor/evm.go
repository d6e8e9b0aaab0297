package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jbelanger/exitbook/model"
)

// EVMProcessor folds an address's normal, internal and token components that
// share a transaction hash into one canonical transaction. The account
// identifier is the tracked address; anything flowing to it is an inflow,
// anything from it an outflow, and the gas fee belongs to the sender.
type EVMProcessor struct {
	chain        string
	nativeSymbol string
}

func NewEVMProcessor(chain, nativeSymbol string) *EVMProcessor {
	return &EVMProcessor{chain: chain, nativeSymbol: nativeSymbol}
}

func (p *EVMProcessor) Source() string { return p.chain }

func (p *EVMProcessor) Process(account *model.Account, records []model.RawTransaction) (*Result, error) {
	result := &Result{}
	user := strings.ToLower(account.Identifier)

	type component struct {
		tx   model.NormalizedBlockchainTx
		hint string
	}
	type group struct {
		components []component
		rawIDs     []int64
	}
	groups := make(map[string]*group)
	var order []string

	for _, rec := range records {
		var tx model.NormalizedBlockchainTx
		if err := json.Unmarshal(rec.NormalizedData, &tx); err != nil {
			result.FailedIDs = append(result.FailedIDs, rec.ID)
			result.Errors = append(result.Errors,
				fmt.Errorf("decoding %s component for raw %d: %w", p.chain, rec.ID, err))
			continue
		}
		hash := tx.Hash
		if hash == "" {
			hash = rec.BlockchainTxHash
		}
		g, ok := groups[hash]
		if !ok {
			g = &group{}
			groups[hash] = g
			order = append(order, hash)
		}
		g.components = append(g.components, component{tx: tx, hint: rec.TransactionTypeHint})
		g.rawIDs = append(g.rawIDs, rec.ID)
	}

	for _, hash := range order {
		g := groups[hash]

		var movements model.Movements
		var fees []model.Fee
		var notes []model.Note
		var ts time.Time
		var info *model.BlockchainInfo
		tokenOnly := true
		zeroInflowsOnly := true
		var from, to string

		for _, c := range g.components {
			tx := c.tx
			if ts.IsZero() || tx.Timestamp.Before(ts) {
				ts = tx.Timestamp
			}
			if info == nil {
				info = &model.BlockchainInfo{
					Name:            p.chain,
					BlockHeight:     tx.BlockHeight,
					TransactionHash: hash,
					IsConfirmed:     tx.IsConfirmed,
				}
			}
			if c.hint != "token" {
				tokenOnly = false
			}
			lowFrom := strings.ToLower(tx.From)
			lowTo := strings.ToLower(tx.To)
			if from == "" && tx.From != "" {
				from = lowFrom
			}
			if to == "" && tx.To != "" {
				to = lowTo
			}

			// A reverted transaction still burns the sender's gas.
			if tx.FeeAmount.IsPositive() && lowFrom == user {
				fees = append(fees, model.Fee{
					AssetSymbol: firstNonEmpty(tx.FeeSymbol, p.nativeSymbol),
					Amount:      tx.FeeAmount,
					Scope:       model.FeeScopeNetwork,
					Settlement:  model.FeeSettleExternal,
				})
			}
			if tx.IsError {
				notes = append(notes, model.Note{
					Severity: model.NoteWarning,
					Message:  fmt.Sprintf("component %s reverted on-chain, value movement dropped", c.hint),
				})
				continue
			}

			asset := firstNonEmpty(tx.AssetSymbol, p.nativeSymbol)
			if lowTo == user {
				movements.Inflows = append(movements.Inflows, model.Movement{
					AssetSymbol: asset,
					GrossAmount: tx.Amount,
					NetAmount:   tx.Amount,
				})
				if !tx.Amount.IsZero() {
					zeroInflowsOnly = false
				}
			}
			if lowFrom == user && !tx.Amount.IsZero() {
				movements.Outflows = append(movements.Outflows, model.Movement{
					AssetSymbol: asset,
					GrossAmount: tx.Amount,
					NetAmount:   tx.Amount,
				})
			}
		}

		movements.Consolidate()
		isSpam := tokenOnly && len(movements.Outflows) == 0 &&
			len(movements.Inflows) > 0 && zeroInflowsOnly

		operation, classifyNotes := Classify(movements, fees, FlowContext{
			OwnAddresses: map[string]bool{user: true},
			From:         from,
			To:           to,
		})
		notes = append(notes, classifyNotes...)
		if isSpam {
			notes = append(notes, model.Note{
				Severity: model.NoteInfo,
				Message:  "zero-value token inflow, flagged as spam",
			})
		}

		result.Transactions = append(result.Transactions, model.Transaction{
			AccountID:              account.ID,
			ExternalID:             hash,
			Source:                 p.chain,
			SourceType:             account.AccountType,
			Datetime:               ts.UTC(),
			Timestamp:              ts.UnixMilli(),
			Status:                 "ok",
			From:                   from,
			To:                     to,
			Movements:              movements,
			Fees:                   fees,
			Operation:              operation,
			Notes:                  notes,
			Blockchain:             info,
			IsSpam:                 isSpam,
			ExcludedFromAccounting: isSpam,
		})
		result.ProcessedIDs = append(result.ProcessedIDs, g.rawIDs...)
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
