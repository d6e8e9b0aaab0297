// Package processor turns pending raw records into canonical transactions:
// grouping by correlation, fund-flow classification, movement consolidation
// and stable external ids. One processor serves one source.
package processor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jbelanger/exitbook/model"
)

// Result is the outcome of processing one account's pending records.
// FailedIDs carry raw records whose group could not be mapped; they are
// marked failed and skipped, never silently dropped.
type Result struct {
	Transactions []model.Transaction
	ProcessedIDs []int64
	FailedIDs    []int64
	Errors       []error
}

// Processor maps one source's raw records to canonical transactions.
type Processor interface {
	Source() string
	Process(account *model.Account, records []model.RawTransaction) (*Result, error)
}

// Registry holds processors by source name.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Source()
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("processor %s already registered", name)
	}
	r.processors[name] = p
	return nil
}

func (r *Registry) Lookup(source string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[source]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the process-wide registry populated at startup.
var DefaultRegistry = NewRegistry()

// Register adds a processor to the default registry.
func Register(p Processor) error { return DefaultRegistry.Register(p) }

// ResetForTest clears the default registry.
func ResetForTest() {
	DefaultRegistry.mu.Lock()
	defer DefaultRegistry.mu.Unlock()
	DefaultRegistry.processors = make(map[string]Processor)
}
