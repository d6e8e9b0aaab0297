package model

import (
	"fmt"
	"time"
)

// LinkStatus tracks the review state of an inferred transaction link.
type LinkStatus string

const (
	LinkSuggested LinkStatus = "suggested"
	LinkConfirmed LinkStatus = "confirmed"
	LinkRejected  LinkStatus = "rejected"
)

// TransactionLink joins two transactions inferred to describe the same
// economic event, e.g. an exchange withdrawal and the matching on-chain
// deposit. Price enrichment propagates prices across confirmed links.
type TransactionLink struct {
	ID             int64
	FromSource     string
	FromExternalID string
	ToSource       string
	ToExternalID   string
	AssetSymbol    string
	Status         LinkStatus
	Confidence     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OverrideType enumerates the append-only user override variants.
type OverrideType string

const (
	OverrideUnlink   OverrideType = "unlink_override"
	OverridePrice    OverrideType = "price_override"
	OverrideScamFlag OverrideType = "scam_flag"
	OverrideFxRate   OverrideType = "fx_rate"
)

// OverrideEvent is one append-only record of user intent. Overrides are keyed
// by stable fingerprints rather than database ids so they survive re-imports.
type OverrideEvent struct {
	ID          int64
	Type        OverrideType
	Fingerprint string
	Payload     map[string]interface{}
	CreatedAt   time.Time
}

// LinkFingerprint computes the symmetric identity of a transaction pair for
// unlink overrides: the two (source, externalId) identities are sorted
// lexicographically before joining, so argument order does not matter.
func LinkFingerprint(aSource, aExternalID, bSource, bExternalID, asset string) string {
	a := aSource + ":" + aExternalID
	b := bSource + ":" + bExternalID
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s|%s", a, b, asset)
}
