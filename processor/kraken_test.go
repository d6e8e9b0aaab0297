package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jbelanger/exitbook/model"
)

func ledgerRaw(t *testing.T, id int64, entry model.ExchangeLedgerEntry) model.RawTransaction {
	t.Helper()
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return model.RawTransaction{
		ID:             id,
		EventID:        entry.ID,
		Timestamp:      entry.Timestamp,
		NormalizedData: data,
	}
}

func TestKrakenGroupsTradeLegsByCorrelation(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountExchangeCSV}
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []model.RawTransaction{
		ledgerRaw(t, 1, model.ExchangeLedgerEntry{
			ID: "L1", CorrelationID: "T3", Timestamp: at, Type: "trade",
			Asset: "CAD", Amount: dec("-50"), Fee: dec("0.1"), FeeCurrency: "CAD",
		}),
		ledgerRaw(t, 2, model.ExchangeLedgerEntry{
			ID: "L2", CorrelationID: "T3", Timestamp: at.Add(time.Second), Type: "trade",
			Asset: "XLM", Amount: dec("100"),
		}),
	}

	result, err := NewKrakenProcessor().Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(result.Transactions))
	}
	tx := result.Transactions[0]
	if tx.ExternalID != "T3" {
		t.Errorf("externalID = %s, want T3", tx.ExternalID)
	}
	if tx.Operation.Category != model.CategoryTrade || tx.Operation.Type != model.OpBuy {
		t.Errorf("operation = %v, want trade/buy", tx.Operation)
	}
	if len(tx.Movements.Inflows) != 1 || !tx.Movements.Inflows[0].GrossAmount.Equal(dec("100")) ||
		tx.Movements.Inflows[0].AssetSymbol != "XLM" {
		t.Errorf("inflows = %v, want 100 XLM", tx.Movements.Inflows)
	}
	if len(tx.Movements.Outflows) != 1 || !tx.Movements.Outflows[0].GrossAmount.Equal(dec("50")) ||
		tx.Movements.Outflows[0].AssetSymbol != "CAD" {
		t.Errorf("outflows = %v, want 50 CAD", tx.Movements.Outflows)
	}
	if len(tx.Fees) != 1 || tx.Fees[0].Scope != model.FeeScopePlatform ||
		tx.Fees[0].Settlement != model.FeeSettleBalance {
		t.Errorf("fees = %v, want one platform/balance fee", tx.Fees)
	}
	if len(result.ProcessedIDs) != 2 {
		t.Errorf("processed ids = %v, want both raws", result.ProcessedIDs)
	}
	if !tx.Datetime.Equal(at.Add(time.Second)) {
		t.Errorf("datetime = %v, want latest leg time", tx.Datetime)
	}
}

func TestKrakenThreeTradesProduceThreeTransactions(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountExchangeCSV}
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var records []model.RawTransaction
	id := int64(0)
	for _, trade := range []struct {
		correlation, sell, buy string
		sold, bought           string
	}{
		{"T1", "USD", "BTC", "-1000", "0.02"},
		{"T2", "USD", "ETH", "-500", "0.2"},
		{"T3", "CAD", "XLM", "-50", "100"},
	} {
		id++
		records = append(records, ledgerRaw(t, id, model.ExchangeLedgerEntry{
			ID: trade.correlation + "a", CorrelationID: trade.correlation,
			Timestamp: at, Type: "trade", Asset: trade.sell, Amount: dec(trade.sold),
		}))
		id++
		records = append(records, ledgerRaw(t, id, model.ExchangeLedgerEntry{
			ID: trade.correlation + "b", CorrelationID: trade.correlation,
			Timestamp: at, Type: "trade", Asset: trade.buy, Amount: dec(trade.bought),
		}))
	}

	result, err := NewKrakenProcessor().Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Transactions) != 3 {
		t.Fatalf("got %d transactions, want 3", len(result.Transactions))
	}
	for _, tx := range result.Transactions {
		if tx.Operation.Type != model.OpBuy {
			t.Errorf("%s classified %v, want buy", tx.ExternalID, tx.Operation)
		}
	}
}

func TestKrakenStakingReward(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountExchangeAPI}
	records := []model.RawTransaction{
		ledgerRaw(t, 1, model.ExchangeLedgerEntry{
			ID: "S1", Timestamp: time.Now().UTC(), Type: "staking",
			Asset: "DOT", Amount: dec("0.5"),
		}),
	}
	result, err := NewKrakenProcessor().Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	op := result.Transactions[0].Operation
	if op.Category != model.CategoryStaking || op.Type != model.OpReward {
		t.Errorf("operation = %v, want staking/reward", op)
	}
	// Entries without a correlation id group by their own ledger id.
	if result.Transactions[0].ExternalID != "S1" {
		t.Errorf("externalID = %s, want S1", result.Transactions[0].ExternalID)
	}
}

func TestKrakenBadRecordMarkedFailed(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountExchangeCSV}
	records := []model.RawTransaction{
		{ID: 7, NormalizedData: []byte("not json")},
		ledgerRaw(t, 8, model.ExchangeLedgerEntry{
			ID: "D1", Timestamp: time.Now().UTC(), Type: "deposit",
			Asset: "BTC", Amount: dec("1"),
		}),
	}
	result, err := NewKrakenProcessor().Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.FailedIDs) != 1 || result.FailedIDs[0] != 7 {
		t.Errorf("failed ids = %v, want [7]", result.FailedIDs)
	}
	if len(result.Transactions) != 1 || len(result.Errors) != 1 {
		t.Errorf("good record should still process, got %d transactions %d errors",
			len(result.Transactions), len(result.Errors))
	}
}
