package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/sources"
)

type fakeAccountStore struct {
	accounts map[string]*model.Account
	created  []string
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]*model.Account)}
}

func (f *fakeAccountStore) EnsureDefaultUser(ctx context.Context) error { return nil }

func (f *fakeAccountStore) GetOrCreateAccount(ctx context.Context, userID string, accountType model.AccountType, sourceName, identifier, parentID string) (*model.Account, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", userID, accountType, sourceName, identifier)
	if a, ok := f.accounts[key]; ok {
		return a, nil
	}
	a := &model.Account{
		ID:              fmt.Sprintf("acct-%d", len(f.accounts)+1),
		UserID:          userID,
		ParentAccountID: parentID,
		AccountType:     accountType,
		SourceName:      sourceName,
		Identifier:      identifier,
	}
	f.accounts[key] = a
	f.created = append(f.created, identifier)
	return a, nil
}

// fakeRunner returns scripted per-identifier import counts.
type fakeRunner struct {
	importedFor map[string]int64
	failFor     map[string]error
	runs        []string
}

func (f *fakeRunner) Run(ctx context.Context, account *model.Account, operation, providerName string, streamer sources.Streamer) (*RunResult, error) {
	f.runs = append(f.runs, account.Identifier+":"+operation)
	if err := f.failFor[account.Identifier]; err != nil {
		return &RunResult{SessionID: "sess-" + account.ID, Status: model.SessionFailed}, err
	}
	return &RunResult{
		SessionID:            "sess-" + account.ID,
		Status:               model.SessionCompleted,
		TransactionsImported: f.importedFor[account.Identifier],
	}, nil
}

type fakeFactory struct {
	bundle *SourceBundle
}

func (f *fakeFactory) Blockchain(blockchain, preferredProvider string) (*SourceBundle, error) {
	return f.bundle, nil
}

func (f *fakeFactory) ExchangeAPI(exchange string, credentials map[string]string) (*SourceBundle, error) {
	return f.bundle, nil
}

func (f *fakeFactory) ExchangeCSV(exchange string, dirs []string) (*SourceBundle, error) {
	return f.bundle, nil
}

type nopStreamer struct{}

func (nopStreamer) ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error) {
	ch := make(chan providers.StreamBatch)
	close(ch)
	return ch, nil
}

func evmBundle() *SourceBundle {
	return &SourceBundle{
		Streamer:     nopStreamer{},
		Operations:   []string{providers.OpGetTransactions, providers.OpGetInternalTransactions, providers.OpGetTokenTransfers},
		ProviderName: "etherscan",
	}
}

func TestImportBlockchainRunsEveryOperation(t *testing.T) {
	store := newFakeAccountStore()
	runner := &fakeRunner{importedFor: map[string]int64{"0xabcd": 4}}
	orch := NewOrchestrator(store, runner, &fakeFactory{bundle: evmBundle()}, nil)

	result, err := orch.ImportBlockchain(context.Background(), "ethereum", "0xABCD", "", 0)
	if err != nil {
		t.Fatalf("ImportBlockchain: %v", err)
	}
	if len(runner.runs) != 3 {
		t.Errorf("runs = %v, want one per operation", runner.runs)
	}
	// EVM addresses import the same regardless of input casing.
	if store.created[0] != "0xabcd" {
		t.Errorf("account identifier = %s, want lowercased", store.created[0])
	}
	if result.TransactionsImported != 12 {
		t.Errorf("imported = %d, want the sum across operations", result.TransactionsImported)
	}
}

func TestImportBlockchainGapIgnoredForPlainAddress(t *testing.T) {
	store := newFakeAccountStore()
	runner := &fakeRunner{}
	orch := NewOrchestrator(store, runner, &fakeFactory{bundle: evmBundle()}, nil)

	if _, err := orch.ImportBlockchain(context.Background(), "ethereum", "0xabcd", "", 25); err != nil {
		t.Fatalf("xpubGap on a plain address must warn, not fail: %v", err)
	}
	if len(store.created) != 1 {
		t.Errorf("accounts created = %v, want just the address", store.created)
	}
}

func TestImportBlockchainXpubFanOut(t *testing.T) {
	sources.ResetDerivationsForTest()
	t.Cleanup(sources.ResetDerivationsForTest)
	sources.RegisterDerivation("bitcoin", func(xpub string, start, count uint32) ([]string, error) {
		out := make([]string, count)
		for i := range out {
			out[i] = fmt.Sprintf("bc1q%03d", start+uint32(i))
		}
		return out, nil
	})

	xpub := "zpub" + strings.Repeat("q", 108)
	if !model.IsExtendedPublicKey(xpub) {
		t.Fatal("fixture xpub not detected as extended key")
	}

	store := newFakeAccountStore()
	// Only the first derived address has history.
	runner := &fakeRunner{importedFor: map[string]int64{"bc1q000": 7}}
	bundle := &SourceBundle{Streamer: nopStreamer{}, Operations: []string{providers.OpGetTransactions}, ProviderName: "mempool-space"}
	orch := NewOrchestrator(store, runner, &fakeFactory{bundle: bundle}, nil)

	result, err := orch.ImportBlockchain(context.Background(), "bitcoin", xpub, "", 3)
	if err != nil {
		t.Fatalf("fan-out: %v", err)
	}
	// addr 0 is active, then three consecutive unused addresses close the
	// gap window: children 0..3 imported, nothing beyond.
	if result.ChildAccounts != 4 {
		t.Errorf("children = %d, want 4", result.ChildAccounts)
	}
	if result.TransactionsImported != 7 {
		t.Errorf("imported = %d, want 7", result.TransactionsImported)
	}
	for _, a := range store.accounts {
		if a.Identifier != xpub && a.ParentAccountID == "" {
			t.Errorf("child %s missing parent link", a.Identifier)
		}
	}
}

func TestImportExchangeCSVUsesSortedDirectoryIdentifier(t *testing.T) {
	store := newFakeAccountStore()
	runner := &fakeRunner{}
	bundle := &SourceBundle{Streamer: nopStreamer{}, Operations: []string{providers.OpGetLedgers}, ProviderName: "kraken-csv"}
	orch := NewOrchestrator(store, runner, &fakeFactory{bundle: bundle}, nil)

	if _, err := orch.ImportExchangeCSV(context.Background(), "kraken", []string{"/b", "/a"}); err != nil {
		t.Fatalf("ImportExchangeCSV: %v", err)
	}
	if store.created[0] != "/a,/b" {
		t.Errorf("identifier = %s, want the sorted join", store.created[0])
	}
}

func TestImportExchangeAPIRequiresKey(t *testing.T) {
	orch := NewOrchestrator(newFakeAccountStore(), &fakeRunner{}, &fakeFactory{}, nil)
	_, err := orch.ImportExchangeAPI(context.Background(), "kraken", map[string]string{"api_secret": "s"})
	if model.CodeOf(err) != model.ErrCodeValidation {
		t.Errorf("err = %v, want VALIDATION", err)
	}
}

func TestRunOperationsSurfacesTotalFailure(t *testing.T) {
	store := newFakeAccountStore()
	runner := &fakeRunner{failFor: map[string]error{}}
	orch := NewOrchestrator(store, runner, &fakeFactory{bundle: evmBundle()}, nil)

	account := &model.Account{ID: "a", Identifier: "0xfail"}
	runner.failFor["0xfail"] = errors.New("provider down")

	result := &ImportResult{}
	err := orch.runOperations(context.Background(), account, evmBundle(), result)
	if err == nil {
		t.Fatal("all operations failing should surface an error")
	}
	if len(result.Errors) != 3 {
		t.Errorf("errors = %v, want one per operation", result.Errors)
	}
}
