package providers

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
)

// DefaultDedupWindow is the bound of the streaming dedup LRU. It must
// survive the largest declared replay window; 4096 is at least 10x the
// records expected in any default window.
const DefaultDedupWindow = 4096

// ManagerEvents receives provider-level instrumentation. instrument.Collector
// satisfies this interface.
type ManagerEvents interface {
	RecordFailover(blockchain, fromProvider, toProvider string)
	RecordProviderWin(provider string)
	RecordDedupFiltered(n int)
	RecordBatchStreamed()
}

type nopManagerEvents struct{}

func (nopManagerEvents) RecordFailover(string, string, string) {}
func (nopManagerEvents) RecordProviderWin(string)              {}
func (nopManagerEvents) RecordDedupFiltered(int)               {}
func (nopManagerEvents) RecordBatchStreamed()                  {}

// RateStatus is the preflight view the manager needs from the rate limiter.
type RateStatus interface {
	CanMakeRequest(key string) bool
}

// Manager executes operations against an ordered provider list with
// failover. One manager serves one process; provider clients are built per
// blockchain through the factory.
type Manager struct {
	factory     *Factory
	rates       RateStatus
	events      ManagerEvents
	logger      *logging.ComponentLogger
	dedupWindow int
}

// NewManager creates a manager. dedupWindow <= 0 selects the default.
func NewManager(factory *Factory, rates RateStatus, events ManagerEvents, logger *logging.ComponentLogger, dedupWindow int) *Manager {
	if events == nil {
		events = nopManagerEvents{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Manager{
		factory:     factory,
		rates:       rates,
		events:      events,
		logger:      logger,
		dedupWindow: dedupWindow,
	}
}

// FailoverResult is the outcome of a single-shot execution.
type FailoverResult struct {
	Data         interface{}
	ProviderName string
}

// ExecuteWithFailover attempts each provider in order until one succeeds.
// Providers are skipped when their circuit is open, their capabilities do
// not include the operation, or their rate budget is exhausted. On
// exhaustion the returned error carries per-provider reasons.
func (m *Manager) ExecuteWithFailover(ctx context.Context, blockchain string, op Operation, cfg FactoryConfig) (*FailoverResult, error) {
	clients, err := m.factory.ClientsFor(blockchain, cfg)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, model.NewError(model.ErrCodeAllProvidersFailed,
			fmt.Sprintf("no providers available for %s", blockchain))
	}

	reasons := make(map[string]interface{})
	var lastProvider string
	for _, client := range clients {
		name := client.Name()
		if skip, reason := m.shouldSkip(client, op); skip {
			reasons[name] = reason
			continue
		}
		if lastProvider != "" {
			m.events.RecordFailover(blockchain, lastProvider, name)
		}

		data, err := client.Execute(ctx, op)
		if err == nil {
			m.events.RecordProviderWin(name)
			return &FailoverResult{Data: data, ProviderName: name}, nil
		}
		if model.IsCancellation(err) {
			return nil, err
		}
		reasons[name] = err.Error()
		lastProvider = name
		m.logger.Warn().
			Str("blockchain", blockchain).
			Str("provider", name).
			Str("operation", op.Name).
			Err(err).
			Msg("Provider failed, trying next")
	}

	e := model.NewError(model.ErrCodeAllProvidersFailed,
		fmt.Sprintf("all providers failed for %s %s", blockchain, op.Name))
	e.Details = map[string]interface{}{"providers": reasons}
	return nil, e
}

func (m *Manager) shouldSkip(client Client, op Operation) (bool, string) {
	name := client.Name()
	if breaker := m.factory.BreakerFor(name); !breaker.Allow() {
		return true, "circuit open"
	}
	if !client.Capabilities().SupportsOperation(op.Name) {
		return true, fmt.Sprintf("operation %s not supported", op.Name)
	}
	if m.rates != nil && !m.rates.CanMakeRequest(name) {
		return true, "rate budget exhausted"
	}
	return false, ""
}

// StreamBatch is one yielded unit of a streaming execution. The cursor's
// primary value corresponds to the last record of the batch; alternatives
// carry every other cursor type extracted from that record. Err is terminal:
// the channel closes after a batch with Err set.
type StreamBatch struct {
	Records    []model.RawTransaction
	Cursor     *model.CursorState
	IsComplete bool
	Err        error
}

// ExecuteStreaming produces a lazy sequence of batches with transparent
// mid-stream failover. The consumer observes failover only through
// instrumentation and possibly a few duplicate records, which the dedup
// window filters. Cancelling ctx terminates the stream with a cancellation
// error; in-flight provider work is released when the consumer stops
// pulling.
func (m *Manager) ExecuteStreaming(ctx context.Context, blockchain string, op Operation, resume *model.CursorState, cfg FactoryConfig) (<-chan StreamBatch, error) {
	clients, err := m.factory.ClientsFor(blockchain, cfg)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, model.NewError(model.ErrCodeAllProvidersFailed,
			fmt.Sprintf("no providers available for %s", blockchain))
	}

	seen, err := lru.New(m.dedupWindow)
	if err != nil {
		return nil, model.WrapError(model.ErrCodeInternal, "building dedup window", err)
	}

	out := make(chan StreamBatch)
	go m.streamLoop(ctx, blockchain, op, resume, clients, seen, out)
	return out, nil
}

func (m *Manager) streamLoop(ctx context.Context, blockchain string, op Operation, cursor *model.CursorState, clients []Client, seen *lru.Cache, out chan<- StreamBatch) {
	defer close(out)

	idx := 0
	reasons := make(map[string]interface{})
	for {
		if idx >= len(clients) {
			e := model.NewError(model.ErrCodeAllProvidersFailed,
				fmt.Sprintf("all providers failed streaming %s %s", blockchain, op.Name))
			e.Details = map[string]interface{}{"providers": reasons}
			m.emitTerminal(out, StreamBatch{Err: e})
			return
		}
		client := clients[idx]
		name := client.Name()

		if skip, reason := m.shouldSkip(client, op); skip {
			reasons[name] = reason
			idx = m.failover(blockchain, &cursor, clients, idx)
			continue
		}

		batch, err := client.FetchBatch(ctx, op, cursor)
		if err != nil {
			if model.IsCancellation(err) {
				m.emitTerminal(out, StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "stream cancelled", err)})
				return
			}
			reasons[name] = err.Error()
			m.logger.Warn().
				Str("blockchain", blockchain).
				Str("provider", name).
				Err(err).
				Msg("Provider failed mid-stream")
			idx = m.failover(blockchain, &cursor, clients, idx)
			continue
		}

		records := batch.Records
		if len(records) > 0 {
			cursor = m.cursorFromBatch(client, records, batch.IsComplete, cursor)
			records = m.filterSeen(seen, records)
		} else if batch.IsComplete && cursor != nil {
			cursor.Metadata.IsComplete = true
		}

		m.events.RecordBatchStreamed()
		if !m.emit(ctx, out, StreamBatch{Records: records, Cursor: cursor, IsComplete: batch.IsComplete}) {
			// Context cancelled while the consumer was not pulling.
			m.emitTerminal(out, StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "stream cancelled", ctx.Err())})
			return
		}
		if batch.IsComplete {
			return
		}
	}
}

// failover advances to the next provider, translating the cursor into a
// type the new provider supports and applying its replay window.
func (m *Manager) failover(blockchain string, cursor **model.CursorState, clients []Client, idx int) int {
	next := idx + 1
	if next >= len(clients) {
		return next
	}
	from := clients[idx].Name()
	to := clients[next]

	translated := translateCursor(*cursor, to.Capabilities())
	if translated != nil {
		translated = to.ApplyReplayWindow(translated)
		m.logger.LogFailover(blockchain, from, to.Name(), string(translated.Primary.Type))
	} else {
		m.logger.LogFailover(blockchain, from, to.Name(), "")
	}
	*cursor = translated
	m.events.RecordFailover(blockchain, from, to.Name())
	return next
}

// translateCursor re-keys a cursor state onto a cursor type the target
// provider supports, preferring its declared preferred type and falling
// back through the alternatives.
func translateCursor(cursor *model.CursorState, caps Capabilities) *model.CursorState {
	if cursor == nil {
		return nil
	}
	candidates := append([]model.CursorType{caps.PreferredCursorType}, caps.SupportedCursorTypes...)
	for _, t := range candidates {
		if t == "" {
			continue
		}
		if v, ok := cursor.ValueFor(t); ok {
			out := *cursor
			out.Primary = model.Cursor{Type: t, Value: v}
			return &out
		}
	}
	return nil
}

// cursorFromBatch builds the consistent cursor for a batch: primary from the
// last record under the provider's preferred type, alternatives carrying
// every other extracted type.
func (m *Manager) cursorFromBatch(client Client, records []model.RawTransaction, isComplete bool, prev *model.CursorState) *model.CursorState {
	last := records[len(records)-1]
	extracted := client.ExtractCursors(last)
	caps := client.Capabilities()

	primaryType := caps.PreferredCursorType
	if _, ok := extracted[primaryType]; !ok {
		for t := range extracted {
			primaryType = t
			break
		}
	}

	state := &model.CursorState{
		Primary:           model.Cursor{Type: primaryType, Value: extracted[primaryType]},
		Alternatives:      make(map[model.CursorType]string, len(extracted)),
		LastTransactionID: last.EventID,
		TotalFetched:      int64(len(records)),
	}
	if prev != nil {
		state.TotalFetched += prev.TotalFetched
	}
	for t, v := range extracted {
		if t != primaryType {
			state.Alternatives[t] = v
		}
	}
	state.Metadata = model.CursorMetadata{
		ProviderName: client.Name(),
		UpdatedAt:    time.Now().UTC(),
		IsComplete:   isComplete,
	}
	return state
}

func (m *Manager) filterSeen(seen *lru.Cache, records []model.RawTransaction) []model.RawTransaction {
	out := records[:0]
	filtered := 0
	for _, rec := range records {
		if seen.Contains(rec.EventID) {
			filtered++
			continue
		}
		seen.Add(rec.EventID, struct{}{})
		out = append(out, rec)
	}
	if filtered > 0 {
		m.events.RecordDedupFiltered(filtered)
	}
	return out
}

func (m *Manager) emit(ctx context.Context, out chan<- StreamBatch, b StreamBatch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers the final batch of a stream. The send is bounded so
// an abandoned consumer cannot leak the producer goroutine.
func (m *Manager) emitTerminal(out chan<- StreamBatch, b StreamBatch) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case out <- b:
	case <-timer.C:
	}
}
