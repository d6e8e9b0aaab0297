package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/model"
)

// fxOverrideKey pins one currency pair for one day. The `prices set-fx`
// command appends these, and prompted rates are appended too so a rate is
// only ever asked for once.
func fxOverrideKey(from string, at time.Time) string {
	return from + "/USD:" + at.UTC().Format("2006-01-02")
}

type fxRequest struct {
	currency string
	day      time.Time
}

// normalize is Stage 2: convert every non-USD fiat price to USD. Successful
// conversions upgrade tentative prices to derived-ratio; failures leave the
// tentative price in place and, in fail mode, abort the run before Stage 3.
func (p *Pipeline) normalize(ctx context.Context, txs []model.Transaction, opts Options) (StageStats, error) {
	var stats StageStats

	type target struct {
		price *model.PriceAtTxTime
		req   fxRequest
	}
	var targets []target
	seen := make(map[fxRequest]bool)
	var order []fxRequest

	for i := range txs {
		t := &txs[i]
		day := t.Datetime.UTC().Truncate(24 * time.Hour)
		for _, price := range pricesOf(t) {
			if price == nil || price.Price.Currency == "USD" || !model.IsFiat(price.Price.Currency) {
				continue
			}
			req := fxRequest{currency: price.Price.Currency, day: day}
			targets = append(targets, target{price: price, req: req})
			if !seen[req] {
				seen[req] = true
				order = append(order, req)
			}
		}
	}
	if len(targets) == 0 {
		return stats, nil
	}

	rates := make(map[fxRequest]decimal.Decimal)
	var failures []fxRequest
	for _, req := range order {
		rate, err := p.resolveRate(ctx, req, opts)
		if err != nil {
			failures = append(failures, req)
			continue
		}
		rates[req] = rate
	}

	for _, tg := range targets {
		rate, ok := rates[tg.req]
		if !ok {
			stats.Failed++
			continue
		}
		fxAt := tg.req.day
		tg.price.Price.Amount = tg.price.Price.Amount.Mul(rate)
		tg.price.Price.Currency = "USD"
		tg.price.FxRateToUSD = &rate
		tg.price.FxSource = "fx-provider"
		tg.price.FxTimestamp = &fxAt
		if tg.price.Source == model.SourceFiatExecutionTentative {
			tg.price.Source = model.SourceDerivedRatio
		}
		stats.Updated++
	}

	if len(failures) > 0 && opts.FXMissing == FXFail {
		return stats, normalizeFailure(failures, opts.MaxReportedFailures)
	}
	return stats, nil
}

// resolveRate looks up one day's rate: pinned override first, then the FX
// provider, then an interactive prompt when allowed. Prompted rates are
// pinned for future runs.
func (p *Pipeline) resolveRate(ctx context.Context, req fxRequest, opts Options) (decimal.Decimal, error) {
	key := fxOverrideKey(req.currency, req.day)
	if override, err := p.store.LatestOverride(ctx, model.OverrideFxRate, key); err == nil && override != nil {
		if raw, ok := override.Payload["rate"].(string); ok {
			if rate, err := decimal.NewFromString(raw); err == nil && rate.IsPositive() {
				return rate, nil
			}
		}
	}

	if p.fx != nil {
		if rate, err := p.fx.Rate(ctx, req.currency, "USD", req.day); err == nil && rate.IsPositive() {
			return rate, nil
		}
	}

	if opts.FXMissing == FXPrompt && p.prompter != nil {
		rate, err := p.prompter.PromptFXRate(req.currency, "USD", req.day)
		if err != nil || !rate.IsPositive() {
			return decimal.Zero, fmt.Errorf("no rate for %s/USD on %s", req.currency, req.day.Format("2006-01-02"))
		}
		if err := p.store.AppendOverride(ctx, model.OverrideFxRate, key,
			map[string]interface{}{"rate": rate.String()}); err != nil {
			p.logger.Warn().Str("pair", key).Err(err).Msg("Pinning prompted FX rate failed")
		}
		return rate, nil
	}

	return decimal.Zero, fmt.Errorf("no rate for %s/USD on %s", req.currency, req.day.Format("2006-01-02"))
}

func normalizeFailure(failures []fxRequest, maxReported int) error {
	var listed []string
	for i, f := range failures {
		if i >= maxReported {
			listed = append(listed, fmt.Sprintf("... and %d more", len(failures)-maxReported))
			break
		}
		listed = append(listed, fmt.Sprintf("%s/USD on %s", f.currency, f.day.Format("2006-01-02")))
	}
	return model.NewError(model.ErrCodeValidation,
		fmt.Sprintf("%d FX rate conversion failure(s): %s; pin missing rates with `prices set-fx`",
			len(failures), strings.Join(listed, ", ")))
}

// pricesOf collects every price pointer on a transaction.
func pricesOf(t *model.Transaction) []*model.PriceAtTxTime {
	var out []*model.PriceAtTxTime
	for i := range t.Movements.Inflows {
		out = append(out, t.Movements.Inflows[i].PriceAtTxTime)
	}
	for i := range t.Movements.Outflows {
		out = append(out, t.Movements.Outflows[i].PriceAtTxTime)
	}
	for i := range t.Fees {
		out = append(out, t.Fees[i].PriceAtTxTime)
	}
	return out
}
