package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger provides structured logging for ingestion components.
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates a component-specific logger with consistent context.
func NewComponentLogger(componentName, version string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Console output for development
	if os.Getenv("ENVIRONMENT") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	logger := log.With().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

// SetLevel applies a configured global log level. Empty or unknown values
// leave the current level in place.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop()}
}

func (cl *ComponentLogger) Info() *zerolog.Event  { return cl.logger.Info() }
func (cl *ComponentLogger) Error() *zerolog.Event { return cl.logger.Error() }
func (cl *ComponentLogger) Warn() *zerolog.Event  { return cl.logger.Warn() }
func (cl *ComponentLogger) Debug() *zerolog.Event { return cl.logger.Debug() }

// With returns a child logger carrying an extra context field.
func (cl *ComponentLogger) With(key, value string) *ComponentLogger {
	return &ComponentLogger{logger: cl.logger.With().Str(key, value).Logger()}
}

// LogImportStarted logs the start of an import session with structured fields.
func (cl *ComponentLogger) LogImportStarted(sessionID, accountID, source, operation string) {
	cl.Info().
		Str("session_id", sessionID).
		Str("account_id", accountID).
		Str("source", source).
		Str("operation", operation).
		Msg("Import session started")
}

// LogBatchCommitted logs one committed batch with its cursor position.
func (cl *ComponentLogger) LogBatchCommitted(sessionID string, inserted, deduped int, cursorValue string) {
	cl.Debug().
		Str("session_id", sessionID).
		Int("inserted", inserted).
		Int("deduped", deduped).
		Str("cursor", cursorValue).
		Msg("Batch committed")
}

// LogFailover logs a mid-stream provider failover.
func (cl *ComponentLogger) LogFailover(blockchain, from, to string, cursorType string) {
	cl.Warn().
		Str("blockchain", blockchain).
		Str("failed_provider", from).
		Str("next_provider", to).
		Str("cursor_type", cursorType).
		Msg("Failing over to next provider")
}

// LogEnrichmentStage logs the outcome of one price enrichment stage.
func (cl *ComponentLogger) LogEnrichmentStage(stage string, updated, skipped, failed int, duration time.Duration) {
	cl.Info().
		Str("stage", stage).
		Int("updated", updated).
		Int("skipped", skipped).
		Int("failed", failed).
		Dur("duration", duration).
		Msg("Enrichment stage completed")
}
