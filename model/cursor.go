package model

import (
	"fmt"
	"strconv"
	"time"
)

// CursorType identifies how a cursor value orders records.
type CursorType string

const (
	CursorTimestamp   CursorType = "timestamp"
	CursorBlockNumber CursorType = "blockNumber"
	CursorPageToken   CursorType = "pageToken"
	CursorOffset      CursorType = "offset"
)

// Cursor is a single typed pagination marker.
type Cursor struct {
	Type  CursorType `json:"type"`
	Value string     `json:"value"`
}

// CursorMetadata records provenance of a cursor advance.
type CursorMetadata struct {
	ProviderName string            `json:"provider_name,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	IsComplete   bool              `json:"is_complete"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// CursorState is a resumable pagination marker for one (account, operation)
// pair. Alternatives carry the other cursor types extracted from the last
// record so a failover target that does not understand the primary type can
// still resume.
type CursorState struct {
	Primary           Cursor                `json:"primary"`
	Alternatives      map[CursorType]string `json:"alternatives,omitempty"`
	LastTransactionID string                `json:"last_transaction_id,omitempty"`
	TotalFetched      int64                 `json:"total_fetched"`
	Metadata          CursorMetadata        `json:"metadata"`
}

// ValueFor returns the cursor value for the requested type, consulting the
// primary first and then the alternatives.
func (cs *CursorState) ValueFor(t CursorType) (string, bool) {
	if cs == nil {
		return "", false
	}
	if cs.Primary.Type == t && cs.Primary.Value != "" {
		return cs.Primary.Value, true
	}
	v, ok := cs.Alternatives[t]
	return v, ok && v != ""
}

// Compare orders two cursor values under the natural order of the cursor
// type. Numeric types compare numerically; page tokens are opaque and always
// compare equal. Returns <0, 0, >0.
func (c Cursor) Compare(other Cursor) (int, error) {
	if c.Type != other.Type {
		return 0, fmt.Errorf("cannot compare cursor types %s and %s", c.Type, other.Type)
	}
	switch c.Type {
	case CursorTimestamp, CursorBlockNumber, CursorOffset:
		a, err := strconv.ParseInt(c.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s cursor %q: %w", c.Type, c.Value, err)
		}
		b, err := strconv.ParseInt(other.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s cursor %q: %w", other.Type, other.Value, err)
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		// Page tokens carry no order; treat every advance as forward.
		return 0, nil
	}
}

// Regresses reports whether advancing from cs to next would move the primary
// cursor backwards. Cursor writes must be non-regressing after every
// committed batch.
func (cs *CursorState) Regresses(next *CursorState) bool {
	if cs == nil || next == nil {
		return false
	}
	if cs.Primary.Type != next.Primary.Type {
		return false
	}
	cmp, err := next.Primary.Compare(cs.Primary)
	if err != nil {
		return false
	}
	return cmp < 0
}

// ParseSinceDate accepts either a unix timestamp in milliseconds ("0" means
// the beginning of time) or an ISO-8601 datetime and returns unix
// milliseconds.
func ParseSinceDate(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized date %q: want unix millis or ISO-8601", s)
}
