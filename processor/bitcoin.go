package processor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jbelanger/exitbook/model"
)

// BitcoinProcessor maps per-address net fund flows into canonical
// transactions. One raw record is one transaction as seen by one tracked
// address; derived xpub children therefore suffix the external id with the
// address so siblings touching the same on-chain transaction never collide.
type BitcoinProcessor struct{}

func NewBitcoinProcessor() *BitcoinProcessor { return &BitcoinProcessor{} }

func (p *BitcoinProcessor) Source() string { return "bitcoin" }

func (p *BitcoinProcessor) Process(account *model.Account, records []model.RawTransaction) (*Result, error) {
	result := &Result{}

	for _, rec := range records {
		var tx model.NormalizedBlockchainTx
		if err := json.Unmarshal(rec.NormalizedData, &tx); err != nil {
			result.FailedIDs = append(result.FailedIDs, rec.ID)
			result.Errors = append(result.Errors,
				fmt.Errorf("decoding bitcoin record for raw %d: %w", rec.ID, err))
			continue
		}

		address := rec.SourceAddress
		if address == "" {
			address = account.Identifier
		}

		var movements model.Movements
		var fees []model.Fee
		switch strings.ToLower(rec.TransactionTypeHint) {
		case "transfer_out":
			movements.Outflows = append(movements.Outflows, model.Movement{
				AssetSymbol: "BTC",
				GrossAmount: tx.Amount,
				NetAmount:   tx.Amount,
			})
			if tx.FeeAmount.IsPositive() {
				fees = append(fees, model.Fee{
					AssetSymbol: "BTC",
					Amount:      tx.FeeAmount,
					Scope:       model.FeeScopeNetwork,
					Settlement:  model.FeeSettleBalance,
				})
			}
		default:
			movements.Inflows = append(movements.Inflows, model.Movement{
				AssetSymbol: "BTC",
				GrossAmount: tx.Amount,
				NetAmount:   tx.Amount,
			})
		}

		movements.Consolidate()
		operation, notes := Classify(movements, fees, FlowContext{})

		result.Transactions = append(result.Transactions, model.Transaction{
			AccountID:  account.ID,
			ExternalID: tx.Hash + ":" + address,
			Source:     "bitcoin",
			SourceType: account.AccountType,
			Datetime:   tx.Timestamp.UTC(),
			Timestamp:  tx.Timestamp.UnixMilli(),
			Status:     "ok",
			Movements:  movements,
			Fees:       fees,
			Operation:  operation,
			Notes:      notes,
			Blockchain: &model.BlockchainInfo{
				Name:            "bitcoin",
				BlockHeight:     tx.BlockHeight,
				TransactionHash: tx.Hash,
				IsConfirmed:     tx.IsConfirmed,
			},
		})
		result.ProcessedIDs = append(result.ProcessedIDs, rec.ID)
	}
	return result, nil
}
