// Package providers implements the provider registry, the per-blockchain
// factory and the failover manager that executes operations across an
// ordered provider set.
package providers

import (
	"context"
	"time"

	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/ratelimit"
)

// Operation names served by blockchain providers.
const (
	OpGetTransactions         = "getTransactions"
	OpGetInternalTransactions = "getInternalTransactions"
	OpGetTokenTransfers       = "getTokenTransfers"
	OpGetBalance              = "getBalance"
	OpGetLedgers              = "getLedgers"
)

// ReplayUnit is the unit of a provider's replay window.
type ReplayUnit string

const (
	ReplayBlocks  ReplayUnit = "blocks"
	ReplayMinutes ReplayUnit = "minutes"
)

// ReplayWindow is the backward step applied to a cursor when resuming on a
// new provider, absorbing reorgs and ordering differences.
type ReplayWindow struct {
	Unit   ReplayUnit `yaml:"unit"`
	Amount int64      `yaml:"amount"`
}

// Capabilities declares what a provider can do and how it paginates.
type Capabilities struct {
	Operations           []string
	SupportedCursorTypes []model.CursorType
	PreferredCursorType  model.CursorType
	Replay               ReplayWindow
}

// SupportsOperation reports whether the capability set includes op.
func (c Capabilities) SupportsOperation(op string) bool {
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsCursorType reports whether the provider understands cursor type t.
func (c Capabilities) SupportsCursorType(t model.CursorType) bool {
	for _, ct := range c.SupportedCursorTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// ChainConfig carries per-chain settings declared in provider metadata.
type ChainConfig struct {
	BaseURL string
}

// Metadata is the declarative registration record for one provider.
type Metadata struct {
	Name           string
	DisplayName    string
	Blockchains    map[string]ChainConfig
	RequiresAPIKey bool
	APIKeyEnvVar   string
	DefaultLimits  ratelimit.Limits
	DefaultTimeout time.Duration
	DefaultRetries int
	Capabilities   Capabilities
}

// SupportsBlockchain reports whether the provider serves the chain.
func (m Metadata) SupportsBlockchain(blockchain string) bool {
	_, ok := m.Blockchains[blockchain]
	return ok
}

// Batch is one page of records fetched from a provider.
type Batch struct {
	Records    []model.RawTransaction
	IsComplete bool
}

// Operation is a single provider request.
type Operation struct {
	Name    string
	Address string
	Params  map[string]string
}

// Client is the capability surface every blockchain provider client
// implements. The manager drives pagination through FetchBatch so it can
// fail over between batches.
type Client interface {
	Name() string
	Capabilities() Capabilities

	// Execute performs a single-shot operation such as a balance lookup.
	Execute(ctx context.Context, op Operation) (interface{}, error)

	// FetchBatch returns the next page after cursor. Records carry their
	// provider payload, normalized projection and precomputed event id.
	FetchBatch(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error)

	// ExtractCursors returns every cursor type derivable from a record.
	ExtractCursors(rec model.RawTransaction) map[model.CursorType]string

	// ApplyReplayWindow steps a cursor back by the provider's declared
	// replay window for a safe resume.
	ApplyReplayWindow(cursor *model.CursorState) *model.CursorState
}
