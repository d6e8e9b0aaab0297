package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/model"
)

// derive is Stage 1 and, re-run after fetching, Stage 4. It stamps execution
// prices from fiat trade legs, identity prices on standalone fiat movements
// and fees, ratio prices on swaps with one resolved leg, and propagates
// prices across confirmed links.
func (p *Pipeline) derive(txs []model.Transaction, links []model.TransactionLink) StageStats {
	var stats StageStats
	now := time.Now().UTC()

	for i := range txs {
		t := &txs[i]
		if t.IsSpam || t.ExcludedFromAccounting {
			stats.Skipped++
			continue
		}
		changed := 0
		changed += deriveTradeExecution(t, now)
		changed += deriveFiatIdentity(t, now)
		changed += deriveSwapRatio(t, now)
		if changed > 0 {
			stats.Updated += changed
		} else {
			stats.Skipped++
		}
	}

	stats.Updated += p.propagateLinks(txs, links, now)
	return stats
}

// deriveTradeExecution prices both legs of a fiat trade. USD executions are
// authoritative; other fiat executions are tentative in their native
// currency until Stage 2 normalizes them.
func deriveTradeExecution(t *model.Transaction, now time.Time) int {
	if len(t.Movements.Inflows) != 1 || len(t.Movements.Outflows) != 1 {
		return 0
	}
	in := &t.Movements.Inflows[0]
	out := &t.Movements.Outflows[0]

	var fiat, other *model.Movement
	switch {
	case model.IsFiat(in.AssetSymbol) && !model.IsFiat(out.AssetSymbol):
		fiat, other = in, out
	case model.IsFiat(out.AssetSymbol) && !model.IsFiat(in.AssetSymbol):
		fiat, other = out, in
	default:
		return 0
	}
	if other.GrossAmount.IsZero() {
		return 0
	}

	currency := fiat.AssetSymbol
	source := model.SourceFiatExecutionTentative
	if currency == "USD" {
		source = model.SourceExchangeExecution
	}

	changed := 0
	if setPrice(fiat, model.PriceAtTxTime{
		Price:       model.Price{Amount: decimal.NewFromInt(1), Currency: currency},
		Source:      source,
		FetchedAt:   now,
		Granularity: model.GranularityExact,
	}) {
		changed++
	}
	if setPrice(other, model.PriceAtTxTime{
		Price:       model.Price{Amount: fiat.GrossAmount.Div(other.GrossAmount), Currency: currency},
		Source:      source,
		FetchedAt:   now,
		Granularity: model.GranularityExact,
	}) {
		changed++
	}
	return changed
}

// deriveFiatIdentity stamps identity prices on fiat movements and fees that
// the trade pass did not already cover.
func deriveFiatIdentity(t *model.Transaction, now time.Time) int {
	changed := 0
	identity := func(symbol string) model.PriceAtTxTime {
		source := model.SourceFiatExecutionTentative
		if symbol == "USD" {
			source = model.SourceExchangeExecution
		}
		return model.PriceAtTxTime{
			Price:       model.Price{Amount: decimal.NewFromInt(1), Currency: symbol},
			Source:      source,
			FetchedAt:   now,
			Granularity: model.GranularityExact,
		}
	}
	for i := range t.Movements.Inflows {
		m := &t.Movements.Inflows[i]
		if model.IsFiat(m.AssetSymbol) && setPrice(m, identity(m.AssetSymbol)) {
			changed++
		}
	}
	for i := range t.Movements.Outflows {
		m := &t.Movements.Outflows[i]
		if model.IsFiat(m.AssetSymbol) && setPrice(m, identity(m.AssetSymbol)) {
			changed++
		}
	}
	for i := range t.Fees {
		f := &t.Fees[i]
		if model.IsFiat(f.AssetSymbol) && setFeePrice(f, identity(f.AssetSymbol)) {
			changed++
		}
	}
	return changed
}

// deriveSwapRatio resolves a crypto-crypto swap once one leg carries a USD
// price, valuing the other leg through the execution ratio.
func deriveSwapRatio(t *model.Transaction, now time.Time) int {
	if len(t.Movements.Inflows) != 1 || len(t.Movements.Outflows) != 1 {
		return 0
	}
	in := &t.Movements.Inflows[0]
	out := &t.Movements.Outflows[0]
	if model.IsFiat(in.AssetSymbol) || model.IsFiat(out.AssetSymbol) {
		return 0
	}

	ratio := func(priced, unpriced *model.Movement) int {
		if priced.PriceAtTxTime == nil || priced.PriceAtTxTime.Price.Currency != "USD" {
			return 0
		}
		if unpriced.GrossAmount.IsZero() {
			return 0
		}
		value := priced.GrossAmount.Mul(priced.PriceAtTxTime.Price.Amount)
		if setPrice(unpriced, model.PriceAtTxTime{
			Price:       model.Price{Amount: value.Div(unpriced.GrossAmount), Currency: "USD"},
			Source:      model.SourceDerivedRatio,
			FetchedAt:   now,
			Granularity: priced.PriceAtTxTime.Granularity,
		}) {
			return 1
		}
		return 0
	}
	return ratio(in, out) + ratio(out, in)
}

// propagateLinks copies prices across confirmed links: a priced movement of
// the linked asset on one end prices the matching movement on the other end
// as derived-ratio.
func (p *Pipeline) propagateLinks(txs []model.Transaction, links []model.TransactionLink, now time.Time) int {
	if len(links) == 0 {
		return 0
	}
	index := make(map[string]*model.Transaction, len(txs))
	for i := range txs {
		index[txs[i].Source+"|"+txs[i].ExternalID] = &txs[i]
	}

	changed := 0
	for _, link := range links {
		from := index[link.FromSource+"|"+link.FromExternalID]
		to := index[link.ToSource+"|"+link.ToExternalID]
		if from == nil || to == nil {
			continue
		}
		a := movementForAsset(from, link.AssetSymbol)
		b := movementForAsset(to, link.AssetSymbol)
		if a == nil || b == nil {
			continue
		}
		changed += propagateBetween(a, b, now)
		changed += propagateBetween(b, a, now)
	}
	return changed
}

func propagateBetween(src, dst *model.Movement, now time.Time) int {
	if src.PriceAtTxTime == nil {
		return 0
	}
	if setPrice(dst, model.PriceAtTxTime{
		Price:       src.PriceAtTxTime.Price,
		Source:      model.SourceDerivedRatio,
		FetchedAt:   now,
		Granularity: src.PriceAtTxTime.Granularity,
	}) {
		return 1
	}
	return 0
}

func movementForAsset(t *model.Transaction, asset string) *model.Movement {
	for i := range t.Movements.Inflows {
		if t.Movements.Inflows[i].AssetSymbol == asset {
			return &t.Movements.Inflows[i]
		}
	}
	for i := range t.Movements.Outflows {
		if t.Movements.Outflows[i].AssetSymbol == asset {
			return &t.Movements.Outflows[i]
		}
	}
	return nil
}
