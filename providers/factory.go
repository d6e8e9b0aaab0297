package providers

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/ratelimit"
	"github.com/jbelanger/exitbook/resilience"
)

// Override carries user configuration for one provider.
type Override struct {
	Enabled   *bool            `yaml:"enabled,omitempty"`
	Priority  int              `yaml:"priority,omitempty"`
	RateLimit *ratelimit.Limits `yaml:"rate_limit,omitempty"`
	Retries   int              `yaml:"retries,omitempty"`
	Timeout   time.Duration    `yaml:"timeout,omitempty"`
}

// FactoryConfig selects and tunes providers for one instantiation.
type FactoryConfig struct {
	Overrides         map[string]Override `yaml:"overrides,omitempty"`
	PreferredProvider string              `yaml:"preferred_provider,omitempty"`
}

// Deps are the shared resources every built client uses.
type Deps struct {
	Transport *http.Client
	Limiter   *ratelimit.Limiter
	Events    httpclient.Events
	Logger    *logging.ComponentLogger
}

// Factory instantiates provider clients per blockchain. It owns the
// per-provider circuit breakers so the manager and the HTTP clients observe
// the same state.
type Factory struct {
	registry *Registry
	deps     Deps

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewFactory creates a factory over a registry.
func NewFactory(registry *Registry, deps Deps) *Factory {
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Factory{
		registry: registry,
		deps:     deps,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// BreakerFor returns the shared circuit breaker for a provider, creating it
// on first use.
func (f *Factory) BreakerFor(name string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		return b
	}
	b := resilience.NewCircuitBreaker(name, 0, 0, f.deps.Logger)
	f.breakers[name] = b
	return b
}

// OpenCircuits returns the providers whose breaker is currently open.
func (f *Factory) OpenCircuits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []string
	for name, b := range f.breakers {
		if b.GetState() == resilience.StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// ResetBreakers closes every breaker. Used by the registry reset hook.
func (f *Factory) ResetBreakers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.breakers {
		b.Reset()
	}
}

type candidate struct {
	meta     Metadata
	priority int
	order    int
	retries  int
	timeout  time.Duration
	limits   ratelimit.Limits
	baseURL  string
}

// ClientsFor builds the ordered provider client set for a blockchain.
// Providers whose API key env var is unset are demoted out of the set with a
// log message, never an error. The returned slice is ordered by priority
// ascending, ties broken by registration order, with the preferred provider
// (when set) moved to the front.
func (f *Factory) ClientsFor(blockchain string, cfg FactoryConfig) ([]Client, error) {
	var candidates []candidate
	for order, reg := range f.registry.list() {
		meta := reg.meta
		if !meta.SupportsBlockchain(blockchain) {
			continue
		}

		ov := cfg.Overrides[meta.Name]
		if ov.Enabled != nil && !*ov.Enabled {
			f.deps.Logger.Debug().
				Str("provider", meta.Name).
				Msg("Provider disabled by configuration")
			continue
		}
		if meta.RequiresAPIKey && os.Getenv(meta.APIKeyEnvVar) == "" {
			f.deps.Logger.Warn().
				Str("provider", meta.Name).
				Str("env_var", meta.APIKeyEnvVar).
				Str("blockchain", blockchain).
				Msgf("Skipping %s: set %s to enable it", meta.DisplayName, meta.APIKeyEnvVar)
			continue
		}

		c := candidate{
			meta:     meta,
			priority: ov.Priority,
			order:    order,
			retries:  meta.DefaultRetries,
			timeout:  meta.DefaultTimeout,
			limits:   meta.DefaultLimits,
			baseURL:  meta.Blockchains[blockchain].BaseURL,
		}
		if ov.Retries > 0 {
			c.retries = ov.Retries
		}
		if ov.Timeout > 0 {
			c.timeout = ov.Timeout
		}
		if ov.RateLimit != nil {
			c.limits = *ov.RateLimit
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].order < candidates[j].order
	})

	if cfg.PreferredProvider != "" {
		idx := -1
		for i, c := range candidates {
			if c.meta.Name == cfg.PreferredProvider {
				idx = i
				break
			}
		}
		if idx < 0 {
			available := make([]string, len(candidates))
			for i, c := range candidates {
				available[i] = c.meta.Name
			}
			return nil, model.NewError(model.ErrCodeValidation,
				fmt.Sprintf("provider %q is not available for %s (available: %s)",
					cfg.PreferredProvider, blockchain, strings.Join(available, ", ")))
		}
		preferred := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		candidates = append([]candidate{preferred}, candidates...)
	}

	clients := make([]Client, 0, len(candidates))
	for _, c := range candidates {
		if f.deps.Limiter != nil {
			f.deps.Limiter.Configure(c.meta.Name, c.limits)
		}
		httpClient := httpclient.New(httpclient.Config{
			ProviderName:   c.meta.Name,
			BaseURL:        c.baseURL,
			AttemptTimeout: c.timeout,
			Retry: httpclient.RetryPolicy{
				MaxRetries:    c.retries,
				InitialDelay:  500 * time.Millisecond,
				MaxDelay:      30 * time.Second,
				BackoffFactor: 2,
				JitterFactor:  0.1,
			},
		}, f.deps.Transport, f.deps.Limiter, f.BreakerFor(c.meta.Name), f.deps.Events, f.deps.Logger)

		reg, ok := f.registry.byIndexSafe(c.order)
		if !ok {
			return nil, fmt.Errorf("provider %s for %s vanished from the registry", c.meta.Name, blockchain)
		}
		client, err := reg.ctor(BuildContext{
			Metadata:   c.meta,
			Blockchain: blockchain,
			BaseURL:    c.baseURL,
			HTTP:       httpClient,
			Logger:     f.deps.Logger.With("provider", c.meta.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("building provider %s for %s: %w", c.meta.Name, blockchain, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

func (r *Registry) byIndexSafe(i int) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.entries) {
		return registration{}, false
	}
	return r.entries[i], true
}
