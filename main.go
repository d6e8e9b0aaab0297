package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/ingest"
	"github.com/jbelanger/exitbook/instrument"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/pricing"
	"github.com/jbelanger/exitbook/processor"
	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/ratelimit"
	"github.com/jbelanger/exitbook/storage"
)

const serviceVersion = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %[1]s <command> [args]

Commands:
  import-blockchain <chain> <address-or-xpub> [provider] [gap]
      Import on-chain history. Extended public keys fan out to derived
      child addresses; gap sets the unused-address window (default 20).
  import-exchange-api <exchange>
      Import via exchange API. Credentials from KRAKEN_API_KEY and
      KRAKEN_API_SECRET.
  import-exchange-csv <exchange> <dir> [dir...]
      Import exported CSV ledger files from one or more directories.
  process
      Transform all pending raw records into canonical transactions.
  enrich [derive|normalize|fetch|derive2 ...]
      Run price enrichment stages (all four when none given). Set
      FX_MISSING=fail to abort on missing FX rates instead of prompting.
  prices set-fx <currency> <YYYY-MM-DD> <rate>
      Pin an FX rate override used by enrichment.

Environment:
  CONFIG_PATH   path to YAML config (optional)
  POSTGRES_*    database connection overrides
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewComponentLogger(cfg.Service.Name, serviceVersion)
	// The LOG_LEVEL env var wins over the config file.
	if os.Getenv("LOG_LEVEL") == "" {
		logging.SetLevel(cfg.Logging.Level)
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Startup failed")
		os.Exit(1)
	}
	defer app.Close()

	// Graceful shutdown: a signal cancels the context, in-flight sessions
	// finish as cancelled with their cursor intact.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn().Msg("Shutdown signal received, cancelling")
		cancel()
	}()

	app.health.Start()
	defer app.health.Stop()

	stopStats := app.startStatsReporter(ctx)
	defer stopStats()

	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if model.IsCancellation(err) {
			logger.Warn().Msg("Run cancelled")
			os.Exit(130)
		}
		logger.Error().Err(err).Msg("Run failed")
		os.Exit(1)
	}
}

// app owns the wired dependency graph for one invocation.
type app struct {
	cfg       *Config
	logger    *logging.ComponentLogger
	store     *storage.Store
	collector *instrument.Collector
	health    *HealthServer

	orchestrator *ingest.Orchestrator
	processing   *processor.Service
	pipeline     *pricing.Pipeline
}

func newApp(cfg *Config, logger *logging.ComponentLogger) (*app, error) {
	store, err := storage.Open(cfg.PostgresDSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(initCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	if err := store.ValidateSchema(initCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("validating schema: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := instrument.NewCollector(registry)
	limiter := ratelimit.NewLimiter(cfg.RateLimits, logger)

	factory := providers.NewFactory(providers.DefaultRegistry, providers.Deps{
		Limiter: limiter,
		Events:  collector,
		Logger:  logger,
	})
	manager := providers.NewManager(factory, limiter, collector, logger, cfg.Providers.DedupWindow)

	if err := initializeProviders(); err != nil {
		store.Close()
		return nil, err
	}

	sources := newSourceFactory(cfg, manager, limiter, collector, logger)
	importer := ingest.NewImportService(store, logger)
	orchestrator := ingest.NewOrchestrator(store, importer, sources, logger)

	procRegistry := processor.NewRegistry()
	for _, p := range []processor.Processor{
		processor.NewKrakenProcessor(),
		processor.NewEVMProcessor("ethereum", "ETH"),
		processor.NewBitcoinProcessor(),
	} {
		if err := procRegistry.Register(p); err != nil {
			store.Close()
			return nil, err
		}
	}

	fxHTTP := httpclient.New(httpclient.Config{
		ProviderName: "frankfurter",
		BaseURL:      cfg.Pricing.FXBaseURL,
	}, nil, limiter, nil, collector, logger.With("provider", "frankfurter"))
	marketHTTP := httpclient.New(httpclient.Config{
		ProviderName: "coingecko",
		BaseURL:      cfg.Pricing.MarketBaseURL,
	}, nil, limiter, nil, collector, logger.With("provider", "coingecko"))

	pipeline := pricing.NewPipeline(store,
		pricing.NewFrankfurterFX(fxHTTP),
		pricing.NewCoinGeckoMarket(marketHTTP, nil),
		&stdinPrompter{in: bufio.NewReader(os.Stdin)},
		logger)

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		collector:    collector,
		health:       NewHealthServer(cfg.Service.HealthPort, collector, registry, factory.OpenCircuits),
		orchestrator: orchestrator,
		processing:   processor.NewService(store, procRegistry, logger),
		pipeline:     pipeline,
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "import-blockchain":
		return a.importBlockchain(ctx, args)
	case "import-exchange-api":
		return a.importExchangeAPI(ctx, args)
	case "import-exchange-csv":
		return a.importExchangeCSV(ctx, args)
	case "process":
		return a.process(ctx)
	case "enrich":
		return a.enrich(ctx, args)
	case "prices":
		return a.prices(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) importBlockchain(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: import-blockchain <chain> <address-or-xpub> [provider] [gap]")
	}
	blockchain, address := args[0], args[1]
	provider := ""
	if len(args) > 2 {
		provider = args[2]
	}
	gap := 0
	if len(args) > 3 {
		g, err := strconv.Atoi(args[3])
		if err != nil || g < 0 {
			return fmt.Errorf("invalid gap %q", args[3])
		}
		gap = g
	}

	result, err := a.orchestrator.ImportBlockchain(ctx, blockchain, address, provider, gap)
	a.recordImport(result)
	if err != nil {
		return err
	}
	a.logImportResult(blockchain, result)
	return nil
}

func (a *app) importExchangeAPI(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: import-exchange-api <exchange>")
	}
	exchange := args[0]
	credentials := map[string]string{
		"api_key":    os.Getenv(strings.ToUpper(exchange) + "_API_KEY"),
		"api_secret": os.Getenv(strings.ToUpper(exchange) + "_API_SECRET"),
	}

	result, err := a.orchestrator.ImportExchangeAPI(ctx, exchange, credentials)
	a.recordImport(result)
	if err != nil {
		return err
	}
	a.logImportResult(exchange, result)
	return nil
}

func (a *app) importExchangeCSV(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: import-exchange-csv <exchange> <dir> [dir...]")
	}
	result, err := a.orchestrator.ImportExchangeCSV(ctx, args[0], args[1:])
	a.recordImport(result)
	if err != nil {
		return err
	}
	a.logImportResult(args[0], result)
	return nil
}

func (a *app) process(ctx context.Context) error {
	summary, err := a.processing.ProcessAllPending(ctx)
	if err != nil {
		return err
	}
	for _, msg := range summary.Errors {
		a.logger.Warn().Str("error", msg).Msg("Processing error")
	}
	a.logger.Info().
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Msg("Processing pass completed")
	return nil
}

func (a *app) enrich(ctx context.Context, stages []string) error {
	mode := pricing.FXMissingMode(a.cfg.Pricing.FXMissing)
	if env := os.Getenv("FX_MISSING"); env != "" {
		mode = pricing.FXMissingMode(env)
	}

	stats, err := a.pipeline.EnrichPrices(ctx, pricing.Options{
		Stages:              stages,
		FXMissing:           mode,
		MaxReportedFailures: a.cfg.Pricing.MaxReportedFailures,
	})
	if err != nil {
		return err
	}
	a.logger.Info().
		Int("derive_updated", stats.Derive.Updated).
		Int("normalize_updated", stats.Normalize.Updated).
		Int("fetch_updated", stats.Fetch.Updated).
		Int("derive2_updated", stats.Derive2.Updated).
		Msg("Price enrichment completed")
	return nil
}

// prices set-fx pins an FX rate override so enrichment needs no prompt for
// that currency and day.
func (a *app) prices(ctx context.Context, args []string) error {
	if len(args) != 4 || args[0] != "set-fx" {
		return fmt.Errorf("usage: prices set-fx <currency> <YYYY-MM-DD> <rate>")
	}
	currency := strings.ToUpper(args[1])
	if _, err := time.Parse("2006-01-02", args[2]); err != nil {
		return fmt.Errorf("invalid date %q: %w", args[2], err)
	}
	rate, err := decimal.NewFromString(args[3])
	if err != nil || !rate.IsPositive() {
		return fmt.Errorf("invalid rate %q", args[3])
	}

	key := fmt.Sprintf("%s/USD:%s", currency, args[2])
	if err := a.store.AppendOverride(ctx, model.OverrideFxRate, key,
		map[string]interface{}{"rate": rate.String()}); err != nil {
		return err
	}
	a.logger.Info().Str("pair", key).Str("rate", rate.String()).Msg("FX rate pinned")
	return nil
}

func (a *app) recordImport(result *ingest.ImportResult) {
	if result == nil {
		return
	}
	for range result.SessionIDs {
		a.collector.RecordSessionOpened()
	}
	for range result.Errors {
		a.collector.RecordSessionFailed()
	}
	a.collector.RecordImported(int(result.TransactionsImported), int(result.TransactionsDeduplicated))
}

func (a *app) logImportResult(source string, result *ingest.ImportResult) {
	ev := a.logger.Info().
		Str("source", source).
		Int("sessions", len(result.SessionIDs)).
		Int64("imported", result.TransactionsImported).
		Int64("deduplicated", result.TransactionsDeduplicated)
	if result.ChildAccounts > 0 {
		ev = ev.Int("child_accounts", result.ChildAccounts)
	}
	if len(result.Errors) > 0 {
		ev = ev.Strs("errors", result.Errors)
	}
	ev.Msg("Import completed")
}

// startStatsReporter logs counter snapshots every 30 seconds until the
// context ends. The returned stop function logs the final snapshot.
func (a *app) startStatsReporter(ctx context.Context) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				a.logSnapshot("Progress")
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		a.logSnapshot("Final stats")
	}
}

func (a *app) logSnapshot(msg string) {
	snap := a.collector.GetSnapshot()
	a.logger.Info().
		Dur("uptime", snap.Uptime).
		Uint64("requests_completed", snap.RequestsCompleted).
		Uint64("requests_failed", snap.RequestsFailed).
		Uint64("failovers", snap.Failovers).
		Uint64("records_imported", snap.RecordsImported).
		Uint64("records_deduped", snap.RecordsDeduped).
		Msg(msg)
}

// stdinPrompter asks on the terminal for a missing FX rate.
type stdinPrompter struct {
	in *bufio.Reader
}

func (p *stdinPrompter) PromptFXRate(from, to string, at time.Time) (decimal.Decimal, error) {
	fmt.Fprintf(os.Stderr, "Enter %s/%s rate for %s: ", from, to, at.Format("2006-01-02"))
	line, err := p.in.ReadString('\n')
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading rate: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(line))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing rate: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate must be positive")
	}
	return rate, nil
}
