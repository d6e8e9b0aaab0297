package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ProcessingStatus tracks a raw record through the processing pass.
type ProcessingStatus string

const (
	RawPending   ProcessingStatus = "pending"
	RawProcessed ProcessingStatus = "processed"
	RawFailed    ProcessingStatus = "failed"
)

// RawTransaction is one provider-emitted record persisted verbatim alongside
// the source client's normalized projection. (AccountID, EventID) is unique.
type RawTransaction struct {
	ID                  int64
	AccountID           string
	ProviderName        string
	SourceAddress       string
	TransactionTypeHint string
	EventID             string
	BlockchainTxHash    string
	Timestamp           time.Time
	ProviderData        json.RawMessage
	NormalizedData      json.RawMessage
	ProcessingStatus    ProcessingStatus
	ProcessedAt         *time.Time
	CreatedAt           time.Time
}

// ComputeEventID builds the provider-independent deduplication key from the
// source-specific identifying fields. Components such as an internal trace
// index or a token log index must be included so records sharing a
// transaction hash do not collide.
func ComputeEventID(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))
}
