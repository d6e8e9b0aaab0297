package pricing

import (
	"context"
	"time"

	"github.com/jbelanger/exitbook/model"
)

// fetch is Stage 3: query market providers for non-fiat movements still
// missing a price. Quotes land with source market-provider, so they can fill
// gaps but never overwrite an execution or derived price from earlier
// stages. The price cache short-circuits repeated lookups.
func (p *Pipeline) fetch(ctx context.Context, txs []model.Transaction) StageStats {
	var stats StageStats
	now := time.Now().UTC()

	for i := range txs {
		t := &txs[i]
		if t.IsSpam || t.ExcludedFromAccounting {
			stats.Skipped++
			continue
		}
		minute := t.Datetime.UTC().Truncate(time.Minute)

		for _, m := range movementsOf(t) {
			if model.IsFiat(m.AssetSymbol) {
				continue
			}
			if m.PriceAtTxTime != nil {
				stats.Skipped++
				continue
			}
			price, ok := p.quote(ctx, m.AssetSymbol, minute, now)
			if !ok {
				stats.Failed++
				continue
			}
			if setPrice(m, price) {
				stats.Updated++
			}
		}

		// Fees are quoted too: network fees in a crypto asset (gas, miner
		// fees) would otherwise stay unpriced when no movement shares the
		// asset.
		for j := range t.Fees {
			f := &t.Fees[j]
			if model.IsFiat(f.AssetSymbol) {
				continue
			}
			if f.PriceAtTxTime != nil {
				stats.Skipped++
				continue
			}
			price, ok := p.quote(ctx, f.AssetSymbol, minute, now)
			if !ok {
				stats.Failed++
				continue
			}
			if setFeePrice(f, price) {
				stats.Updated++
			}
		}
	}
	return stats
}

func (p *Pipeline) quote(ctx context.Context, asset string, minute, now time.Time) (model.PriceAtTxTime, bool) {
	if cached, err := p.store.LookupPrice(ctx, asset, "USD", minute, model.GranularityMinute); err == nil && cached != nil {
		return model.PriceAtTxTime{
			Price:       cached.Price,
			Source:      model.SourceMarketProvider,
			FetchedAt:   cached.FetchedAt,
			Granularity: cached.Granularity,
		}, true
	}

	if p.market == nil {
		return model.PriceAtTxTime{}, false
	}
	amount, granularity, err := p.market.Quote(ctx, asset, "USD", minute)
	if err != nil || !amount.IsPositive() {
		return model.PriceAtTxTime{}, false
	}
	if err := p.store.CachePrice(ctx, asset, "USD", minute, model.GranularityMinute, amount, model.SourceMarketProvider); err != nil {
		p.logger.Warn().Str("asset", asset).Err(err).Msg("Caching market quote failed")
	}
	return model.PriceAtTxTime{
		Price:       model.Price{Amount: amount, Currency: "USD"},
		Source:      model.SourceMarketProvider,
		FetchedAt:   now,
		Granularity: granularity,
	}, true
}

// movementsOf collects pointers to every movement on a transaction.
func movementsOf(t *model.Transaction) []*model.Movement {
	var out []*model.Movement
	for i := range t.Movements.Inflows {
		out = append(out, &t.Movements.Inflows[i])
	}
	for i := range t.Movements.Outflows {
		out = append(out, &t.Movements.Outflows[i])
	}
	return out
}
