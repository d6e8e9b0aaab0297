package providers

import (
	"fmt"
	"sync"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/logging"
)

// BuildContext is handed to a provider constructor by the factory.
type BuildContext struct {
	Metadata   Metadata
	Blockchain string
	BaseURL    string
	HTTP       *httpclient.Client
	Logger     *logging.ComponentLogger
}

// Constructor builds a provider client for one blockchain.
type Constructor func(build BuildContext) (Client, error)

type registration struct {
	meta Metadata
	ctor Constructor
}

// Registry is the process-wide provider table, populated at startup by
// InitializeProviders. Registration order is preserved and breaks priority
// ties in the factory.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	byName  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds a provider. Re-registering a name is a programming error.
func (r *Registry) Register(meta Metadata, ctor Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[meta.Name]; exists {
		return fmt.Errorf("provider %s already registered", meta.Name)
	}
	r.byName[meta.Name] = len(r.entries)
	r.entries = append(r.entries, registration{meta: meta, ctor: ctor})
	return nil
}

// Lookup returns the metadata for a registered provider.
func (r *Registry) Lookup(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Metadata{}, false
	}
	return r.entries[i].meta, true
}

// Names returns all registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.meta.Name
	}
	return names
}

func (r *Registry) list() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registration, len(r.entries))
	copy(out, r.entries)
	return out
}

// Reset discards all registrations. Tests use this between cases.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.byName = make(map[string]int)
}

// DefaultRegistry is the process-wide registry used by InitializeProviders.
var DefaultRegistry = NewRegistry()

// Register adds a provider to the default registry.
func Register(meta Metadata, ctor Constructor) error {
	return DefaultRegistry.Register(meta, ctor)
}

// ResetForTest clears the default registry.
func ResetForTest() {
	DefaultRegistry.Reset()
}
