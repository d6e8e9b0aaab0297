package main

import (
	"fmt"
	"time"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/ingest"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/ratelimit"
	"github.com/jbelanger/exitbook/resilience"
	"github.com/jbelanger/exitbook/sources"
	"github.com/jbelanger/exitbook/sources/bitcoin"
	"github.com/jbelanger/exitbook/sources/evm"
	"github.com/jbelanger/exitbook/sources/kraken"
)

// initializeProviders populates the process-wide provider and derivation
// registries. Called once at startup; tests reset and re-register.
func initializeProviders() error {
	if err := evm.Register(); err != nil {
		return fmt.Errorf("registering evm providers: %w", err)
	}
	if err := bitcoin.Register(); err != nil {
		return fmt.Errorf("registering bitcoin providers: %w", err)
	}
	return nil
}

// Operations run per blockchain. EVM history needs the three-way
// normal/internal/token fan-out; everything else pulls one address history.
var blockchainOperations = map[string][]string{
	"ethereum": {
		providers.OpGetTransactions,
		providers.OpGetInternalTransactions,
		providers.OpGetTokenTransfers,
	},
	"bitcoin": {providers.OpGetTransactions},
}

func operationsFor(blockchain string) []string {
	if ops, ok := blockchainOperations[blockchain]; ok {
		return ops
	}
	return []string{providers.OpGetTransactions}
}

// sourceFactory builds streamers for the orchestrator from the shared
// provider manager and the exchange clients.
type sourceFactory struct {
	cfg     *Config
	manager *providers.Manager
	limiter *ratelimit.Limiter
	events  httpclient.Events
	logger  *logging.ComponentLogger
}

func newSourceFactory(cfg *Config, manager *providers.Manager, limiter *ratelimit.Limiter, events httpclient.Events, logger *logging.ComponentLogger) *sourceFactory {
	return &sourceFactory{cfg: cfg, manager: manager, limiter: limiter, events: events, logger: logger}
}

func (f *sourceFactory) Blockchain(blockchain, preferredProvider string) (*ingest.SourceBundle, error) {
	factoryCfg := f.cfg.FactoryConfigFor(blockchain)
	if preferredProvider != "" {
		factoryCfg.PreferredProvider = preferredProvider
	}
	return &ingest.SourceBundle{
		Streamer: &sources.BlockchainStreamer{
			Manager:    f.manager,
			Blockchain: blockchain,
			Config:     factoryCfg,
		},
		Operations:   operationsFor(blockchain),
		ProviderName: preferredProvider,
	}, nil
}

func (f *sourceFactory) ExchangeAPI(exchange string, credentials map[string]string) (*ingest.SourceBundle, error) {
	if exchange != "kraken" {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("unsupported exchange %s (have: kraken)", exchange))
	}
	hc := httpclient.New(httpclient.Config{
		ProviderName:   "kraken-api",
		BaseURL:        f.cfg.Kraken.APIBaseURL,
		AttemptTimeout: 30 * time.Second,
		Retry: httpclient.RetryPolicy{
			MaxRetries:    3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
			JitterFactor:  0.1,
		},
	}, nil, f.limiter,
		resilience.NewCircuitBreaker("kraken-api", 0, 0, f.logger),
		f.events, f.logger.With("provider", "kraken-api"))

	client, err := kraken.NewAPIClient(hc,
		firstNonEmptyString(credentials["api_key"], credentials["key"]),
		credentials["api_secret"], f.logger)
	if err != nil {
		return nil, err
	}
	return &ingest.SourceBundle{
		Streamer:     client,
		Operations:   []string{providers.OpGetLedgers},
		ProviderName: "kraken-api",
	}, nil
}

func (f *sourceFactory) ExchangeCSV(exchange string, csvDirectories []string) (*ingest.SourceBundle, error) {
	if exchange != "kraken" {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("unsupported exchange %s (have: kraken)", exchange))
	}
	return &ingest.SourceBundle{
		Streamer:     kraken.NewCSVClient(f.logger.With("provider", "kraken-csv")),
		Operations:   []string{providers.OpGetLedgers},
		ProviderName: "kraken-csv",
	}, nil
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
