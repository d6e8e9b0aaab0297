// Package kraken implements the Kraken exchange source: the authenticated
// ledger API client and the exported-CSV directory reader. Both yield the
// same normalized ledger entries through the shared streaming surface.
package kraken

import "strings"

// Kraken prefixes legacy asset codes with X (crypto) and Z (fiat) and keeps
// a few renames of its own. The map covers the codes that appear in ledger
// exports; unknown codes pass through stripped of staking suffixes.
var assetCodes = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC",
	"XETH": "ETH",
	"XXLM": "XLM",
	"XXRP": "XRP",
	"XLTC": "LTC",
	"XXMR": "XMR",
	"XZEC": "ZEC",
	"XETC": "ETC",
	"XXDG": "DOGE",
	"XDG":  "DOGE",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZCAD": "CAD",
	"ZAUD": "AUD",
	"ZJPY": "JPY",
	"ZCHF": "CHF",
}

// NormalizeAsset maps a Kraken asset code to its common symbol.
func NormalizeAsset(code string) string {
	code = strings.TrimSpace(code)
	// Staking and earn balances carry .S / .M / .F suffixes.
	if i := strings.IndexByte(code, '.'); i > 0 {
		code = code[:i]
	}
	if symbol, ok := assetCodes[code]; ok {
		return symbol
	}
	return code
}
