// Package sources defines the streaming surface shared by exchange clients
// and blockchain provider adapters, plus the per-chain address derivation
// registry used for xpub fan-out.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
)

// Streamer is the surface the import service consumes. Exchange clients
// implement it directly; blockchain sources implement it by delegating to
// the provider manager.
type Streamer interface {
	// ExecuteStreaming produces a lazy batch sequence for one account and
	// operation. The channel closes after a terminal batch (IsComplete or
	// Err set).
	ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error)
}

// BlockchainStreamer adapts the provider manager's failover streaming to the
// Streamer surface for one blockchain.
type BlockchainStreamer struct {
	Manager    *providers.Manager
	Blockchain string
	Config     providers.FactoryConfig
	Params     map[string]string
}

func (s *BlockchainStreamer) ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error) {
	op := providers.Operation{
		Name:    operation,
		Address: account.Identifier,
		Params:  s.Params,
	}
	return s.Manager.ExecuteStreaming(ctx, s.Blockchain, op, resume, s.Config)
}

// DeriveFunc derives count child addresses of an extended public key
// starting at index start on the external (receive) branch.
type DeriveFunc func(xpub string, start, count uint32) ([]string, error)

var (
	derivationMu sync.RWMutex
	derivations  = make(map[string]DeriveFunc)
)

// RegisterDerivation installs the address derivation function for a
// blockchain. Called from each chain package's Register.
func RegisterDerivation(blockchain string, fn DeriveFunc) {
	derivationMu.Lock()
	defer derivationMu.Unlock()
	derivations[blockchain] = fn
}

// DerivationFor returns the derivation function for a blockchain.
func DerivationFor(blockchain string) (DeriveFunc, error) {
	derivationMu.RLock()
	defer derivationMu.RUnlock()
	fn, ok := derivations[blockchain]
	if !ok {
		names := make([]string, 0, len(derivations))
		for name := range derivations {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("no address derivation registered for %s (have: %v)", blockchain, names))
	}
	return fn, nil
}

// ResetDerivationsForTest clears the derivation registry.
func ResetDerivationsForTest() {
	derivationMu.Lock()
	defer derivationMu.Unlock()
	derivations = make(map[string]DeriveFunc)
}
