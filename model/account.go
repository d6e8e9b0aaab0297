package model

import (
	"sort"
	"strings"
	"time"
)

// AccountType distinguishes the three import sources.
type AccountType string

const (
	AccountBlockchain  AccountType = "blockchain"
	AccountExchangeAPI AccountType = "exchange-api"
	AccountExchangeCSV AccountType = "exchange-csv"
)

// Account binds a user to a source. The (UserID, AccountType, SourceName,
// Identifier) tuple is unique; a derived xpub child shares SourceName and
// UserID with its parent.
type Account struct {
	ID              string
	UserID          string
	ParentAccountID string
	AccountType     AccountType
	SourceName      string
	Identifier      string
	Credentials     map[string]string
	LastCursor      map[string]*CursorState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CursorFor returns the account's persisted cursor for an operation, or nil.
func (a *Account) CursorFor(operation string) *CursorState {
	if a == nil || a.LastCursor == nil {
		return nil
	}
	return a.LastCursor[operation]
}

// CSVIdentifier builds the canonical identifier for a CSV-directory account:
// the sorted, comma-joined directory list, so re-imports of the same
// directories resolve to the same account.
func CSVIdentifier(dirs []string) string {
	sorted := make([]string, len(dirs))
	copy(sorted, dirs)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// NormalizeAddress lowercases EVM-style hex addresses and trims whitespace.
// Non-hex identifiers (xpubs, bech32, API keys) are returned trimmed only,
// since their case is significant.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}

// IsExtendedPublicKey detects xpub-family keys (xpub/ypub/zpub and testnet
// variants) that fan out to derived child accounts.
func IsExtendedPublicKey(identifier string) bool {
	identifier = strings.TrimSpace(identifier)
	for _, prefix := range []string{"xpub", "ypub", "zpub", "tpub", "upub", "vpub"} {
		if strings.HasPrefix(identifier, prefix) && len(identifier) > 100 {
			return true
		}
	}
	return false
}
