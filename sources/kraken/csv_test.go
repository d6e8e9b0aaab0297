package kraken

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
)

const ledgerHeader = `"txid","refid","time","type","subtype","aclass","asset","amount","fee","balance"`

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const threeTradesCSV = ledgerHeader + `
"L1","T1","2024-01-10 10:00:00","trade","","currency","ZUSD","-30000.0000","0.0000","70000.0000"
"L2","T1","2024-01-10 10:00:00","trade","","currency","XXBT","1.0000000000","0.0000000000","1.0000000000"
"L3","T2","2024-01-11 11:00:00","trade","","currency","ZUSD","-2000.0000","0.0000","68000.0000"
"L4","T2","2024-01-11 11:00:00","trade","","currency","XETH","1.0000000000","0.0000000000","1.0000000000"
"L5","T3","2024-01-12 12:00:00","trade","","currency","ZCAD","-50.0000","0.0000","950.0000"
"L6","T3","2024-01-12 12:00:00","trade","","currency","XXLM","100.00000000","0.00000000","100.00000000"
`

func writeLedgers(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ledgers.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func collect(t *testing.T, stream <-chan providers.StreamBatch) ([]providers.StreamBatch, error) {
	t.Helper()
	var batches []providers.StreamBatch
	var terminal error
	for b := range stream {
		if b.Err != nil {
			terminal = b.Err
			continue
		}
		batches = append(batches, b)
	}
	return batches, terminal
}

func TestCSVThreeTradeImport(t *testing.T) {
	dir := writeLedgers(t, threeTradesCSV)
	account := &model.Account{Identifier: dir, AccountType: model.AccountExchangeCSV}

	stream, err := NewCSVClient(logging.NewNopLogger()).ExecuteStreaming(context.Background(), account, "importLedgers", nil)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}
	batches, terminal := collect(t, stream)
	if terminal != nil {
		t.Fatalf("stream errored: %v", terminal)
	}
	if len(batches) != 1 || !batches[0].IsComplete {
		t.Fatalf("got %d batches, want 1 complete", len(batches))
	}

	records := batches[0].Records
	if len(records) != 6 {
		t.Fatalf("got %d records, want 6", len(records))
	}

	var entries []model.ExchangeLedgerEntry
	for _, rec := range records {
		var e model.ExchangeLedgerEntry
		if err := json.Unmarshal(rec.NormalizedData, &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}

	// Legacy codes are normalized and trade legs share a correlation id.
	if entries[4].Asset != "CAD" || entries[5].Asset != "XLM" {
		t.Errorf("assets = %s/%s, want CAD/XLM", entries[4].Asset, entries[5].Asset)
	}
	if entries[4].CorrelationID != "T3" || entries[5].CorrelationID != "T3" {
		t.Error("XLM/CAD legs do not share correlation id T3")
	}
	if !entries[4].Amount.Equal(dec("-50")) || !entries[5].Amount.Equal(dec("100")) {
		t.Errorf("XLM/CAD amounts = %s/%s, want -50/100", entries[4].Amount, entries[5].Amount)
	}

	cursor := batches[0].Cursor
	if cursor.Primary.Type != model.CursorOffset || cursor.Primary.Value != "6" {
		t.Errorf("cursor = %+v, want offset 6", cursor.Primary)
	}
	if cursor.LastTransactionID != records[5].EventID {
		t.Error("cursor last transaction id does not match last record")
	}
}

func TestCSVPartialBatchOnBadRow(t *testing.T) {
	content := ledgerHeader + `
"L1","T1","2024-01-10 10:00:00","trade","","currency","ZUSD","-100.0","0.0","900.0"
"L2","T1","2024-01-10 10:00:00","trade","","currency","XXBT","0.002","0.0","0.002"
"L3","T2","2024-01-11 11:00:00","trade","","currency","ZUSD","not-a-number","0.0","800.0"
`
	dir := writeLedgers(t, content)
	account := &model.Account{Identifier: dir, AccountType: model.AccountExchangeCSV}

	stream, err := NewCSVClient(nil).ExecuteStreaming(context.Background(), account, "importLedgers", nil)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}
	batches, terminal := collect(t, stream)

	if model.CodeOf(terminal) != model.ErrCodeValidation {
		t.Fatalf("terminal error = %v, want VALIDATION", terminal)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d data batches, want 1 partial", len(batches))
	}
	if len(batches[0].Records) != 2 {
		t.Errorf("partial batch has %d records, want 2", len(batches[0].Records))
	}
	// The cursor stops at the last good row so a retry resumes there.
	if batches[0].Cursor.Primary.Value != "2" {
		t.Errorf("partial cursor = %s, want offset 2", batches[0].Cursor.Primary.Value)
	}
	if batches[0].IsComplete {
		t.Error("partial batch must not be marked complete")
	}
}

func TestCSVResumeSkipsConsumedRows(t *testing.T) {
	dir := writeLedgers(t, threeTradesCSV)
	account := &model.Account{Identifier: dir, AccountType: model.AccountExchangeCSV}

	resume := &model.CursorState{Primary: model.Cursor{Type: model.CursorOffset, Value: "4"}}
	stream, err := NewCSVClient(nil).ExecuteStreaming(context.Background(), account, "importLedgers", resume)
	if err != nil {
		t.Fatalf("ExecuteStreaming failed: %v", err)
	}
	batches, terminal := collect(t, stream)
	if terminal != nil {
		t.Fatalf("stream errored: %v", terminal)
	}

	var ids []string
	for _, b := range batches {
		for _, rec := range b.Records {
			ids = append(ids, rec.TransactionTypeHint)
		}
	}
	total := 0
	for _, b := range batches {
		total += len(b.Records)
	}
	if total != 2 {
		t.Fatalf("resumed import yielded %d records, want 2 (rows 5 and 6), hints=%v", total, ids)
	}
}

func TestCSVMissingDirectory(t *testing.T) {
	account := &model.Account{Identifier: filepath.Join(t.TempDir(), "empty"), AccountType: model.AccountExchangeCSV}
	_, err := NewCSVClient(nil).ExecuteStreaming(context.Background(), account, "importLedgers", nil)
	if model.CodeOf(err) != model.ErrCodeValidation {
		t.Errorf("err = %v, want VALIDATION", err)
	}
}

func TestNormalizeAsset(t *testing.T) {
	cases := map[string]string{
		"XXBT":   "BTC",
		"ZCAD":   "CAD",
		"XXLM":   "XLM",
		"ZUSD":   "USD",
		"SOL":    "SOL",
		"ETH2.S": "ETH2",
		"DOT.S":  "DOT",
	}
	for code, want := range cases {
		if got := NormalizeAsset(code); got != want {
			t.Errorf("NormalizeAsset(%s) = %s, want %s", code, got, want)
		}
	}
}
