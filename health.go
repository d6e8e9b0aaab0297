package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbelanger/exitbook/instrument"
)

// HealthServer serves /health and /metrics.
type HealthServer struct {
	port         int
	startTime    time.Time
	collector    *instrument.Collector
	openCircuits func() []string
	registry     *prometheus.Registry
	server       *http.Server
}

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status          string              `json:"status"`
	Uptime          string              `json:"uptime"`
	OpenCircuits    []string            `json:"open_circuits,omitempty"`
	RequestsFailed  uint64              `json:"requests_failed"`
	SessionsOpened  uint64              `json:"sessions_opened"`
	SessionsFailed  uint64              `json:"sessions_failed"`
	RecordsImported uint64              `json:"records_imported"`
	RecordsDeduped  uint64              `json:"records_deduped"`
	Failovers       uint64              `json:"failovers"`
	ProviderWins    map[string]uint64   `json:"provider_wins,omitempty"`
}

// NewHealthServer creates the health/metrics endpoint server.
func NewHealthServer(port int, collector *instrument.Collector, registry *prometheus.Registry, openCircuits func() []string) *HealthServer {
	return &HealthServer{
		port:         port,
		startTime:    time.Now(),
		collector:    collector,
		openCircuits: openCircuits,
		registry:     registry,
	}
}

// Start serves in the background.
func (hs *HealthServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(hs.registry, promhttp.HandlerOpts{}))

	hs.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", hs.port),
		Handler: mux,
	}
	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()
}

// Stop closes the listener.
func (hs *HealthServer) Stop() error {
	if hs.server != nil {
		return hs.server.Close()
	}
	return nil
}

// handleHealth reports status: unhealthy while any provider circuit is open,
// degraded once errors have been observed, healthy otherwise.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := hs.collector.GetSnapshot()
	var open []string
	if hs.openCircuits != nil {
		open = hs.openCircuits()
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case len(open) > 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case snap.RequestsFailed > 0 || snap.SessionsFailed > 0:
		status = "degraded"
	}

	resp := HealthResponse{
		Status:          status,
		Uptime:          snap.Uptime.String(),
		OpenCircuits:    open,
		RequestsFailed:  snap.RequestsFailed,
		SessionsOpened:  snap.SessionsOpened,
		SessionsFailed:  snap.SessionsFailed,
		RecordsImported: snap.RecordsImported,
		RecordsDeduped:  snap.RecordsDeduped,
		Failovers:       snap.Failovers,
		ProviderWins:    snap.ProviderWins,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
