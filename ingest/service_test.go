package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
)

type committedBatch struct {
	records []model.RawTransaction
	cursor  *model.CursorState
}

type fakeImportStore struct {
	lockDenied bool
	commitErr  error
	dedupe     map[string]bool
	notify     chan int

	batches      []committedBatch
	finished     *model.ImportSession
	finishStatus model.SessionStatus
	finishCause  error
	sessionErrs  []error
	released     bool
}

func (f *fakeImportStore) CreateSession(ctx context.Context, accountID, operation, providerName string) (*model.ImportSession, error) {
	return &model.ImportSession{
		ID:        "sess-1",
		AccountID: accountID,
		Operation: operation,
		Status:    model.SessionStarted,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeImportStore) FinishSession(ctx context.Context, session *model.ImportSession, status model.SessionStatus, cause error) error {
	f.finished = session
	f.finishStatus = status
	f.finishCause = cause
	return nil
}

func (f *fakeImportStore) RecordSessionError(ctx context.Context, sessionID string, cause error) error {
	f.sessionErrs = append(f.sessionErrs, cause)
	return nil
}

func (f *fakeImportStore) CommitBatch(ctx context.Context, accountID, operation string, records []model.RawTransaction, cursor *model.CursorState) (int64, error) {
	if f.commitErr != nil {
		return 0, f.commitErr
	}
	f.batches = append(f.batches, committedBatch{records: records, cursor: cursor})
	if f.notify != nil {
		f.notify <- len(f.batches)
	}
	if f.dedupe == nil {
		f.dedupe = make(map[string]bool)
	}
	var inserted int64
	for _, r := range records {
		if !f.dedupe[r.EventID] {
			f.dedupe[r.EventID] = true
			inserted++
		}
	}
	return inserted, nil
}

func (f *fakeImportStore) TryImportLock(ctx context.Context, accountID, operation string) (bool, error) {
	return !f.lockDenied, nil
}

func (f *fakeImportStore) ReleaseImportLock(ctx context.Context, accountID, operation string) error {
	f.released = true
	return nil
}

func (f *fakeImportStore) lastCursor() *model.CursorState {
	for i := len(f.batches) - 1; i >= 0; i-- {
		if f.batches[i].cursor != nil {
			return f.batches[i].cursor
		}
	}
	return nil
}

// fakeStreamer plays back a scripted batch sequence. With blockAfter set it
// stops before emitting further batches and closes only on cancellation,
// mimicking a live stream interrupted mid-pull.
type fakeStreamer struct {
	batches    []providers.StreamBatch
	blockAfter int
	resumeSeen *model.CursorState
}

func (f *fakeStreamer) ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error) {
	f.resumeSeen = resume
	ch := make(chan providers.StreamBatch)
	go func() {
		defer close(ch)
		for i, b := range f.batches {
			if f.blockAfter > 0 && i >= f.blockAfter {
				<-ctx.Done()
				return
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func rawRecord(eventID string) model.RawTransaction {
	return model.RawTransaction{EventID: eventID, Timestamp: time.Now().UTC()}
}

func cursorAt(value string) *model.CursorState {
	return &model.CursorState{Primary: model.Cursor{Type: model.CursorBlockNumber, Value: value}}
}

func blockchainAccount() *model.Account {
	return &model.Account{ID: "acct-1", SourceName: "ethereum", AccountType: model.AccountBlockchain, Identifier: "0xabc"}
}

func TestRunCompletesAndCountsDedup(t *testing.T) {
	store := &fakeImportStore{dedupe: map[string]bool{"e1": true}}
	streamer := &fakeStreamer{batches: []providers.StreamBatch{
		{Records: []model.RawTransaction{rawRecord("e1"), rawRecord("e2")}, Cursor: cursorAt("100")},
		{Records: []model.RawTransaction{rawRecord("e3")}, Cursor: cursorAt("200"), IsComplete: true},
	}}

	svc := NewImportService(store, nil)
	result, err := svc.Run(context.Background(), blockchainAccount(), "getTransactions", "etherscan", streamer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.SessionCompleted {
		t.Errorf("status = %s, want completed", result.Status)
	}
	if result.TransactionsImported != 2 || result.TransactionsDeduplicated != 1 {
		t.Errorf("imported=%d deduplicated=%d, want 2/1",
			result.TransactionsImported, result.TransactionsDeduplicated)
	}
	if got := store.lastCursor().Primary.Value; got != "200" {
		t.Errorf("final cursor = %s, want 200", got)
	}
	if !store.released {
		t.Error("advisory lock never released")
	}
}

func TestRunResumesFromAccountCursor(t *testing.T) {
	store := &fakeImportStore{}
	streamer := &fakeStreamer{batches: []providers.StreamBatch{{IsComplete: true}}}
	account := blockchainAccount()
	account.LastCursor = map[string]*model.CursorState{"getTransactions": cursorAt("555")}

	svc := NewImportService(store, nil)
	if _, err := svc.Run(context.Background(), account, "getTransactions", "etherscan", streamer); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if streamer.resumeSeen == nil || streamer.resumeSeen.Primary.Value != "555" {
		t.Errorf("resume cursor = %+v, want 555", streamer.resumeSeen)
	}
}

func TestRunCommitsPartialBatchThenFails(t *testing.T) {
	store := &fakeImportStore{}
	cause := model.NewError(model.ErrCodeValidation, "row 3 failed validation")
	streamer := &fakeStreamer{batches: []providers.StreamBatch{
		{Records: []model.RawTransaction{rawRecord("e1"), rawRecord("e2")}, Cursor: cursorAt("2")},
		{Err: cause},
	}}

	svc := NewImportService(store, nil)
	result, err := svc.Run(context.Background(), blockchainAccount(), "getTransactions", "etherscan", streamer)
	if err == nil {
		t.Fatal("expected the stream error to surface")
	}
	if result.Status != model.SessionFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.TransactionsImported != 2 {
		t.Errorf("imported = %d, want the partial batch committed", result.TransactionsImported)
	}
	if got := store.lastCursor().Primary.Value; got != "2" {
		t.Errorf("cursor = %s, want the last good record's position", got)
	}
	if len(store.sessionErrs) != 1 {
		t.Errorf("session errors = %v, want the cause recorded", store.sessionErrs)
	}
}

func TestRunCancellationKeepsCommittedCursor(t *testing.T) {
	store := &fakeImportStore{notify: make(chan int, 3)}
	streamer := &fakeStreamer{
		batches: []providers.StreamBatch{
			{Records: []model.RawTransaction{rawRecord("e1")}, Cursor: cursorAt("100")},
			{Records: []model.RawTransaction{rawRecord("e2")}, Cursor: cursorAt("200")},
			{Records: []model.RawTransaction{rawRecord("e3")}, Cursor: cursorAt("300")},
		},
		blockAfter: 2,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Cancel once both deliverable batches are committed.
		for n := range store.notify {
			if n >= 2 {
				cancel()
				return
			}
		}
	}()

	svc := NewImportService(store, nil)
	result, err := svc.Run(ctx, blockchainAccount(), "getTransactions", "etherscan", streamer)
	if !model.IsCancellation(err) {
		t.Fatalf("err = %v, want a cancellation", err)
	}
	if result.Status != model.SessionCancelled {
		t.Errorf("status = %s, want cancelled", result.Status)
	}
	if got := store.lastCursor().Primary.Value; got != "200" {
		t.Errorf("cursor = %s, want exactly the second batch's", got)
	}
	if store.finishStatus != model.SessionCancelled {
		t.Errorf("session finished as %s, want cancelled", store.finishStatus)
	}
}

func TestRunRejectedWhenLockHeld(t *testing.T) {
	store := &fakeImportStore{lockDenied: true}
	svc := NewImportService(store, nil)
	_, err := svc.Run(context.Background(), blockchainAccount(), "getTransactions", "etherscan", &fakeStreamer{})
	if err == nil {
		t.Fatal("expected a lock rejection")
	}
	if model.CodeOf(err) != model.ErrCodeValidation {
		t.Errorf("code = %s, want VALIDATION", model.CodeOf(err))
	}
	if store.finished != nil {
		t.Error("no session should open when the lock is held")
	}
}

func TestRunCommitFailureMarksSessionFailed(t *testing.T) {
	store := &fakeImportStore{commitErr: errors.New("db down")}
	streamer := &fakeStreamer{batches: []providers.StreamBatch{
		{Records: []model.RawTransaction{rawRecord("e1")}, Cursor: cursorAt("1"), IsComplete: true},
	}}
	svc := NewImportService(store, nil)
	result, err := svc.Run(context.Background(), blockchainAccount(), "getTransactions", "etherscan", streamer)
	if err == nil {
		t.Fatal("expected the commit failure to surface")
	}
	if result.Status != model.SessionFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if fmt.Sprint(store.finishCause) == "" {
		t.Error("finish cause missing")
	}
}
