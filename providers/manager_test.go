package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/jbelanger/exitbook/model"
)

type fakeClient struct {
	name  string
	caps  Capabilities
	fetch func(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error)
	exec  func(ctx context.Context, op Operation) (interface{}, error)
}

func (f *fakeClient) Name() string               { return f.name }
func (f *fakeClient) Capabilities() Capabilities { return f.caps }

func (f *fakeClient) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if f.exec == nil {
		return nil, errors.New("not implemented")
	}
	return f.exec(ctx, op)
}

func (f *fakeClient) FetchBatch(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error) {
	if f.fetch == nil {
		return Batch{}, errors.New("not implemented")
	}
	return f.fetch(ctx, op, cursor)
}

func (f *fakeClient) ExtractCursors(rec model.RawTransaction) map[model.CursorType]string {
	// Block number is carried in the type hint for test records; timestamp
	// comes from the record itself.
	return map[model.CursorType]string{
		model.CursorBlockNumber: rec.TransactionTypeHint,
		model.CursorTimestamp:   strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
	}
}

func (f *fakeClient) ApplyReplayWindow(cursor *model.CursorState) *model.CursorState {
	if cursor == nil || f.caps.Replay.Amount == 0 {
		return cursor
	}
	out := *cursor
	if cursor.Primary.Type == model.CursorBlockNumber {
		n, _ := strconv.ParseInt(cursor.Primary.Value, 10, 64)
		n -= f.caps.Replay.Amount
		if n < 0 {
			n = 0
		}
		out.Primary.Value = strconv.FormatInt(n, 10)
	}
	return &out
}

func blockCaps(replay int64) Capabilities {
	return Capabilities{
		Operations:           []string{OpGetTransactions},
		SupportedCursorTypes: []model.CursorType{model.CursorBlockNumber, model.CursorTimestamp},
		PreferredCursorType:  model.CursorBlockNumber,
		Replay:               ReplayWindow{Unit: ReplayBlocks, Amount: replay},
	}
}

func rec(eventID string, block int64) model.RawTransaction {
	return model.RawTransaction{
		EventID:             eventID,
		TransactionTypeHint: strconv.FormatInt(block, 10),
		Timestamp:           time.Unix(block*10, 0).UTC(),
	}
}

func managerWith(t *testing.T, fakes ...*fakeClient) (*Manager, FactoryConfig) {
	t.Helper()
	registry := NewRegistry()
	for _, f := range fakes {
		f := f
		meta := Metadata{
			Name:        f.name,
			DisplayName: f.name,
			Blockchains: map[string]ChainConfig{"testchain": {BaseURL: "http://example"}},
		}
		if err := registry.Register(meta, func(BuildContext) (Client, error) { return f, nil }); err != nil {
			t.Fatalf("register %s: %v", f.name, err)
		}
	}
	factory := NewFactory(registry, Deps{})
	return NewManager(factory, nil, nil, nil, 128), FactoryConfig{}
}

func TestExecuteWithFailover(t *testing.T) {
	p1 := &fakeClient{name: "p1", caps: blockCaps(0), exec: func(context.Context, Operation) (interface{}, error) {
		return nil, model.NewError(model.ErrCodeProviderTransient, "p1 down")
	}}
	p2 := &fakeClient{name: "p2", caps: blockCaps(0), exec: func(context.Context, Operation) (interface{}, error) {
		return "balance", nil
	}}

	m, cfg := managerWith(t, p1, p2)
	res, err := m.ExecuteWithFailover(context.Background(), "testchain", Operation{Name: OpGetTransactions}, cfg)
	if err != nil {
		t.Fatalf("ExecuteWithFailover failed: %v", err)
	}
	if res.ProviderName != "p2" || res.Data != "balance" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteWithFailoverAllFail(t *testing.T) {
	p1 := &fakeClient{name: "p1", caps: blockCaps(0), exec: func(context.Context, Operation) (interface{}, error) {
		return nil, errors.New("boom1")
	}}
	p2 := &fakeClient{name: "p2", caps: blockCaps(0), exec: func(context.Context, Operation) (interface{}, error) {
		return nil, errors.New("boom2")
	}}

	m, cfg := managerWith(t, p1, p2)
	_, err := m.ExecuteWithFailover(context.Background(), "testchain", Operation{Name: OpGetTransactions}, cfg)
	if model.CodeOf(err) != model.ErrCodeAllProvidersFailed {
		t.Fatalf("code = %s, want ALL_PROVIDERS_FAILED", model.CodeOf(err))
	}
	var ce *model.Error
	errors.As(err, &ce)
	providers, ok := ce.Details["providers"].(map[string]interface{})
	if !ok || len(providers) != 2 {
		t.Errorf("per-provider reasons missing: %+v", ce.Details)
	}
}

func TestExecuteWithFailoverSkipsUnsupportedOperation(t *testing.T) {
	p1 := &fakeClient{name: "p1", caps: Capabilities{Operations: []string{OpGetBalance}}}
	p2 := &fakeClient{name: "p2", caps: blockCaps(0), exec: func(context.Context, Operation) (interface{}, error) {
		return 42, nil
	}}

	m, cfg := managerWith(t, p1, p2)
	res, err := m.ExecuteWithFailover(context.Background(), "testchain", Operation{Name: OpGetTransactions}, cfg)
	if err != nil {
		t.Fatalf("ExecuteWithFailover failed: %v", err)
	}
	if res.ProviderName != "p2" {
		t.Errorf("won provider = %s, want p2", res.ProviderName)
	}
}

func TestStreamingFailoverWithReplayWindow(t *testing.T) {
	// P1 yields one batch ending at block 1000 then fails. P2 has a 2-block
	// replay window: its first fetch must start from block 998 and its
	// duplicate record must be filtered.
	var p2Cursor *model.CursorState
	p1 := &fakeClient{name: "p1", caps: blockCaps(0)}
	p1Calls := 0
	p1.fetch = func(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error) {
		p1Calls++
		if p1Calls == 1 {
			return Batch{Records: []model.RawTransaction{rec("e1", 999), rec("e2", 1000)}}, nil
		}
		return Batch{}, model.NewError(model.ErrCodeProviderTransient, "p1 died")
	}
	p2 := &fakeClient{name: "p2", caps: blockCaps(2)}
	p2.fetch = func(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error) {
		p2Cursor = cursor
		// Overlap: e2 was already emitted by p1.
		return Batch{Records: []model.RawTransaction{rec("e2", 1000), rec("e3", 1001)}, IsComplete: true}, nil
	}

	m, cfg := managerWith(t, p1, p2)
	stream, err := m.ExecuteStreaming(context.Background(), "testchain", Operation{Name: OpGetTransactions}, nil, cfg)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}

	var batches []StreamBatch
	for b := range stream {
		if b.Err != nil {
			t.Fatalf("stream error: %v", b.Err)
		}
		batches = append(batches, b)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if got := batches[0].Cursor.Primary; got.Type != model.CursorBlockNumber || got.Value != "1000" {
		t.Errorf("batch 1 cursor = %+v, want blockNumber 1000", got)
	}
	if batches[0].Cursor.Alternatives[model.CursorTimestamp] == "" {
		t.Error("batch 1 cursor missing timestamp alternative")
	}
	if p2Cursor == nil || p2Cursor.Primary.Value != "998" {
		t.Errorf("p2 resume cursor = %+v, want blockNumber 998", p2Cursor)
	}
	if len(batches[1].Records) != 1 || batches[1].Records[0].EventID != "e3" {
		t.Errorf("batch 2 records = %+v, want only e3 (e2 deduped)", batches[1].Records)
	}
	if !batches[1].IsComplete {
		t.Error("final batch not marked complete")
	}
}

func TestStreamingAllProvidersFailed(t *testing.T) {
	p1 := &fakeClient{name: "p1", caps: blockCaps(0)}
	p1.fetch = func(context.Context, Operation, *model.CursorState) (Batch, error) {
		return Batch{}, errors.New("down")
	}

	m, cfg := managerWith(t, p1)
	stream, err := m.ExecuteStreaming(context.Background(), "testchain", Operation{Name: OpGetTransactions}, nil, cfg)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}

	var last StreamBatch
	for b := range stream {
		last = b
	}
	if model.CodeOf(last.Err) != model.ErrCodeAllProvidersFailed {
		t.Errorf("terminal error = %v, want ALL_PROVIDERS_FAILED", last.Err)
	}
}

func TestStreamingCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p1 := &fakeClient{name: "p1", caps: blockCaps(0)}
	block := int64(0)
	p1.fetch = func(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error) {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		block++
		return Batch{Records: []model.RawTransaction{rec(fmt.Sprintf("e%d", block), block)}}, nil
	}

	m, cfg := managerWith(t, p1)
	stream, err := m.ExecuteStreaming(ctx, "testchain", Operation{Name: OpGetTransactions}, nil, cfg)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}

	<-stream
	<-stream
	cancel()

	sawCancel := false
	for b := range stream {
		if b.Err != nil && model.IsCancellation(b.Err) {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Error("stream did not terminate with a cancellation error")
	}
}

func TestStreamingResumeCursorPassedThrough(t *testing.T) {
	var got *model.CursorState
	p1 := &fakeClient{name: "p1", caps: blockCaps(0)}
	p1.fetch = func(ctx context.Context, op Operation, cursor *model.CursorState) (Batch, error) {
		got = cursor
		return Batch{IsComplete: true}, nil
	}

	resume := &model.CursorState{Primary: model.Cursor{Type: model.CursorBlockNumber, Value: "500"}}
	m, cfg := managerWith(t, p1)
	stream, _ := m.ExecuteStreaming(context.Background(), "testchain", Operation{Name: OpGetTransactions}, resume, cfg)
	for range stream {
	}

	if got == nil || got.Primary.Value != "500" {
		t.Errorf("resume cursor = %+v, want blockNumber 500", got)
	}
}
