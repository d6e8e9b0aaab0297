// Package instrument provides in-process counters for the ingestion core
// plus Prometheus collectors for scraping. Counter updates come from many
// goroutines; approximate consistency is sufficient, so plain atomics are
// used without cross-counter coordination.
package instrument

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates ingestion metrics.
type Collector struct {
	startTime time.Time

	// HTTP layer
	requestsStarted   atomic.Uint64
	requestsCompleted atomic.Uint64
	requestsFailed    atomic.Uint64
	retries           atomic.Uint64
	rateLimitWaits    atomic.Uint64
	rateLimitWaitNs   atomic.Int64

	// Provider layer
	failovers       atomic.Uint64
	circuitOpens    atomic.Uint64
	providerWins    sync.Map // provider name -> *atomic.Uint64
	providerErrors  sync.Map // provider name -> *atomic.Uint64
	dedupFiltered   atomic.Uint64
	batchesStreamed atomic.Uint64

	// Import layer
	recordsImported atomic.Uint64
	recordsDeduped  atomic.Uint64
	sessionsOpened  atomic.Uint64
	sessionsFailed  atomic.Uint64

	// Prometheus mirrors
	promRequests  *prometheus.CounterVec
	promRetries   prometheus.Counter
	promFailovers prometheus.Counter
	promWaits     prometheus.Histogram
	promImported  prometheus.Counter
}

// NewCollector creates a collector and registers its Prometheus series on
// the given registerer. Pass prometheus.NewRegistry() in tests to avoid
// duplicate registration on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		startTime: time.Now(),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitbook_http_requests_total",
			Help: "HTTP requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		promRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitbook_http_retries_total",
			Help: "HTTP retry attempts.",
		}),
		promFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitbook_provider_failovers_total",
			Help: "Mid-operation provider failovers.",
		}),
		promWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitbook_rate_limit_wait_seconds",
			Help:    "Time spent waiting on rate limit tokens.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		promImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitbook_records_imported_total",
			Help: "Raw records committed to storage.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.promRequests, c.promRetries, c.promFailovers, c.promWaits, c.promImported)
	}
	return c
}

// RecordRequestStarted notes an outgoing HTTP request.
func (c *Collector) RecordRequestStarted(provider string) {
	c.requestsStarted.Add(1)
}

// RecordRequestCompleted notes a finished HTTP request.
func (c *Collector) RecordRequestCompleted(provider string, err error) {
	if err != nil {
		c.requestsFailed.Add(1)
		c.promRequests.WithLabelValues(provider, "error").Inc()
		c.bump(&c.providerErrors, provider)
		return
	}
	c.requestsCompleted.Add(1)
	c.promRequests.WithLabelValues(provider, "ok").Inc()
}

// RecordRetry notes an HTTP retry attempt.
func (c *Collector) RecordRetry(provider string) {
	c.retries.Add(1)
	c.promRetries.Inc()
}

// RecordRateLimitWait notes time spent blocked on a rate limit token.
func (c *Collector) RecordRateLimitWait(key string, d time.Duration) {
	c.rateLimitWaits.Add(1)
	c.rateLimitWaitNs.Add(int64(d))
	c.promWaits.Observe(d.Seconds())
}

// RecordFailover notes a provider failover.
func (c *Collector) RecordFailover(blockchain, fromProvider, toProvider string) {
	c.failovers.Add(1)
	c.promFailovers.Inc()
}

// RecordCircuitOpen notes a circuit breaker trip.
func (c *Collector) RecordCircuitOpen(provider string) {
	c.circuitOpens.Add(1)
}

// RecordProviderWin notes which provider served an operation.
func (c *Collector) RecordProviderWin(provider string) {
	c.bump(&c.providerWins, provider)
}

// RecordDedupFiltered notes records filtered by the streaming dedup window.
func (c *Collector) RecordDedupFiltered(n int) {
	c.dedupFiltered.Add(uint64(n))
}

// RecordBatchStreamed notes one batch delivered by the provider manager.
func (c *Collector) RecordBatchStreamed() {
	c.batchesStreamed.Add(1)
}

// RecordImported notes committed and deduplicated raw records.
func (c *Collector) RecordImported(inserted, deduped int) {
	c.recordsImported.Add(uint64(inserted))
	c.recordsDeduped.Add(uint64(deduped))
	c.promImported.Add(float64(inserted))
}

// RecordSessionOpened notes a new import session.
func (c *Collector) RecordSessionOpened() {
	c.sessionsOpened.Add(1)
}

// RecordSessionFailed notes a failed import session.
func (c *Collector) RecordSessionFailed() {
	c.sessionsFailed.Add(1)
}

func (c *Collector) bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Timestamp         time.Time         `json:"timestamp"`
	Uptime            time.Duration     `json:"uptime"`
	RequestsStarted   uint64            `json:"requests_started"`
	RequestsCompleted uint64            `json:"requests_completed"`
	RequestsFailed    uint64            `json:"requests_failed"`
	Retries           uint64            `json:"retries"`
	RateLimitWaits    uint64            `json:"rate_limit_waits"`
	RateLimitWaitTime time.Duration     `json:"rate_limit_wait_time"`
	Failovers         uint64            `json:"failovers"`
	CircuitOpens      uint64            `json:"circuit_opens"`
	ProviderWins      map[string]uint64 `json:"provider_wins"`
	ProviderErrors    map[string]uint64 `json:"provider_errors"`
	DedupFiltered     uint64            `json:"dedup_filtered"`
	BatchesStreamed   uint64            `json:"batches_streamed"`
	RecordsImported   uint64            `json:"records_imported"`
	RecordsDeduped    uint64            `json:"records_deduped"`
	SessionsOpened    uint64            `json:"sessions_opened"`
	SessionsFailed    uint64            `json:"sessions_failed"`
}

// GetSnapshot returns the current counter values.
func (c *Collector) GetSnapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:         now,
		Uptime:            now.Sub(c.startTime),
		RequestsStarted:   c.requestsStarted.Load(),
		RequestsCompleted: c.requestsCompleted.Load(),
		RequestsFailed:    c.requestsFailed.Load(),
		Retries:           c.retries.Load(),
		RateLimitWaits:    c.rateLimitWaits.Load(),
		RateLimitWaitTime: time.Duration(c.rateLimitWaitNs.Load()),
		Failovers:         c.failovers.Load(),
		CircuitOpens:      c.circuitOpens.Load(),
		ProviderWins:      collectMap(&c.providerWins),
		ProviderErrors:    collectMap(&c.providerErrors),
		DedupFiltered:     c.dedupFiltered.Load(),
		BatchesStreamed:   c.batchesStreamed.Load(),
		RecordsImported:   c.recordsImported.Load(),
		RecordsDeduped:    c.recordsDeduped.Load(),
		SessionsOpened:    c.sessionsOpened.Load(),
		SessionsFailed:    c.sessionsFailed.Load(),
	}
	return s
}

func collectMap(m *sync.Map) map[string]uint64 {
	out := make(map[string]uint64)
	m.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}
