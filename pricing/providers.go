package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/model"
)

// FrankfurterFX resolves daily fiat rates from the Frankfurter API, which
// serves ECB reference rates without an API key.
type FrankfurterFX struct {
	http *httpclient.Client
}

func NewFrankfurterFX(http *httpclient.Client) *FrankfurterFX {
	return &FrankfurterFX{http: http}
}

func (f *FrankfurterFX) Rate(ctx context.Context, from, to string, at time.Time) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/%s?base=%s&symbols=%s", at.UTC().Format("2006-01-02"), from, to)
	body, err := f.http.Get(ctx, path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching %s/%s rate: %w", from, to, err)
	}
	var resp struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decoding fx response: %w", err)
	}
	rate, ok := resp.Rates[to]
	if !ok || rate <= 0 {
		return decimal.Zero, fmt.Errorf("no %s rate in response", to)
	}
	return decimal.NewFromFloat(rate), nil
}

// CoinGeckoMarket quotes historical crypto prices from the CoinGecko public
// API. Symbols are mapped to CoinGecko ids; unmapped assets fail the quote
// rather than guessing.
type CoinGeckoMarket struct {
	http *httpclient.Client
	ids  map[string]string
}

// DefaultCoinIDs covers the assets the supported sources emit.
var DefaultCoinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"XLM":  "stellar",
	"DOT":  "polkadot",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
}

func NewCoinGeckoMarket(http *httpclient.Client, ids map[string]string) *CoinGeckoMarket {
	if ids == nil {
		ids = DefaultCoinIDs
	}
	return &CoinGeckoMarket{http: http, ids: ids}
}

func (c *CoinGeckoMarket) Quote(ctx context.Context, assetSymbol, currency string, at time.Time) (decimal.Decimal, model.PriceGranularity, error) {
	id, ok := c.ids[strings.ToUpper(assetSymbol)]
	if !ok {
		return decimal.Zero, "", fmt.Errorf("no CoinGecko id mapped for %s", assetSymbol)
	}
	path := fmt.Sprintf("/api/v3/coins/%s/history?date=%s&localization=false",
		id, at.UTC().Format("02-01-2006"))
	body, err := c.http.Get(ctx, path)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("fetching %s quote: %w", assetSymbol, err)
	}
	var resp struct {
		MarketData struct {
			CurrentPrice map[string]float64 `json:"current_price"`
		} `json:"market_data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, "", fmt.Errorf("decoding quote response: %w", err)
	}
	price, ok := resp.MarketData.CurrentPrice[strings.ToLower(currency)]
	if !ok || price <= 0 {
		return decimal.Zero, "", fmt.Errorf("no %s price for %s on %s",
			currency, assetSymbol, at.UTC().Format("2006-01-02"))
	}
	return decimal.NewFromFloat(price), model.GranularityDay, nil
}
