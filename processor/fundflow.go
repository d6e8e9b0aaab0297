package processor

import (
	"strings"

	"github.com/jbelanger/exitbook/model"
)

// FlowContext carries what classification needs beyond the movements
// themselves: the user's own address set for self-transfer detection and the
// source's type hint for reward recognition.
type FlowContext struct {
	OwnAddresses map[string]bool
	From         string
	To           string
	TypeHint     string
}

func (fc FlowContext) owns(addr string) bool {
	if addr == "" || fc.OwnAddresses == nil {
		return false
	}
	return fc.OwnAddresses[strings.ToLower(addr)]
}

// isRewardHint matches the ledger types exchanges use for earned income.
func isRewardHint(hint string) bool {
	switch strings.ToLower(hint) {
	case "staking", "reward", "earn", "dividend", "airdrop":
		return true
	}
	return false
}

// Classify derives the operation from a group's consolidated fund flow.
// The default rules: one inflow plus one outflow is a trade (buy when the
// spent side is fiat, sell when the received side is fiat, swap otherwise);
// outflows alone are a withdrawal; inflows alone are a deposit, or a reward
// when the source hinted at earned income; a same-asset round trip between
// user-owned addresses is an internal transfer. Ambiguities come back as
// warning notes, never as errors.
func Classify(m model.Movements, fees []model.Fee, fc FlowContext) (model.Operation, []model.Note) {
	var notes []model.Note

	hasIn := len(m.Inflows) > 0
	hasOut := len(m.Outflows) > 0

	switch {
	case hasIn && hasOut:
		if len(m.Inflows) == 1 && len(m.Outflows) == 1 &&
			m.Inflows[0].AssetSymbol == m.Outflows[0].AssetSymbol &&
			fc.owns(fc.From) && fc.owns(fc.To) {
			return model.Operation{Category: model.CategoryTransfer, Type: model.OpInternalTransfer}, notes
		}
		if len(m.Inflows) > 1 || len(m.Outflows) > 1 {
			notes = append(notes, model.Note{
				Severity: model.NoteWarning,
				Message:  "multiple assets on one side of a trade, classified as swap",
			})
			return model.Operation{Category: model.CategoryTrade, Type: model.OpSwap}, notes
		}
		if model.IsFiat(m.Outflows[0].AssetSymbol) {
			return model.Operation{Category: model.CategoryTrade, Type: model.OpBuy}, notes
		}
		if model.IsFiat(m.Inflows[0].AssetSymbol) {
			return model.Operation{Category: model.CategoryTrade, Type: model.OpSell}, notes
		}
		return model.Operation{Category: model.CategoryTrade, Type: model.OpSwap}, notes

	case hasOut:
		return model.Operation{Category: model.CategoryTransfer, Type: model.OpWithdrawal}, notes

	case hasIn:
		if isRewardHint(fc.TypeHint) {
			return model.Operation{Category: model.CategoryStaking, Type: model.OpReward}, notes
		}
		return model.Operation{Category: model.CategoryTransfer, Type: model.OpDeposit}, notes

	case len(fees) > 0:
		return model.Operation{Category: model.CategoryFee, Type: model.OpFee}, notes

	default:
		notes = append(notes, model.Note{
			Severity: model.NoteWarning,
			Message:  "no movements or fees in group, classified as fee",
		})
		return model.Operation{Category: model.CategoryFee, Type: model.OpFee}, notes
	}
}
