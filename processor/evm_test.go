package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/model"
)

const evmUser = "0x1234567890abcdef1234567890abcdef12345678"

func evmRaw(t *testing.T, id int64, hint string, tx model.NormalizedBlockchainTx) model.RawTransaction {
	t.Helper()
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return model.RawTransaction{
		ID:                  id,
		TransactionTypeHint: hint,
		BlockchainTxHash:    tx.Hash,
		Timestamp:           tx.Timestamp,
		NormalizedData:      data,
	}
}

func TestEVMFoldsComponentsSharingHash(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: evmUser}
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	records := []model.RawTransaction{
		evmRaw(t, 1, "normal", model.NormalizedBlockchainTx{
			Hash: "0xabc", BlockHeight: 100, Timestamp: at,
			From: evmUser, To: "0xrouter", AssetSymbol: "ETH",
			Amount: dec("1"), FeeAmount: dec("0.002"), FeeSymbol: "ETH", IsConfirmed: true,
		}),
		evmRaw(t, 2, "internal", model.NormalizedBlockchainTx{
			Hash: "0xabc", BlockHeight: 100, Timestamp: at,
			From: "0xrouter", To: evmUser, AssetSymbol: "ETH",
			Amount: dec("0.4"), IsConfirmed: true,
		}),
		evmRaw(t, 3, "token", model.NormalizedBlockchainTx{
			Hash: "0xabc", BlockHeight: 100, Timestamp: at,
			From: "0xrouter", To: evmUser, AssetSymbol: "USDC",
			Amount: dec("1500"), IsConfirmed: true,
		}),
	}

	result, err := NewEVMProcessor("ethereum", "ETH").Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Transactions) != 1 {
		t.Fatalf("got %d transactions, want one per hash", len(result.Transactions))
	}
	tx := result.Transactions[0]
	if tx.ExternalID != "0xabc" {
		t.Errorf("externalID = %s, want the transaction hash", tx.ExternalID)
	}
	if len(tx.Movements.Inflows) != 2 || len(tx.Movements.Outflows) != 1 {
		t.Fatalf("movements = %d in / %d out, want 2/1",
			len(tx.Movements.Inflows), len(tx.Movements.Outflows))
	}
	if len(tx.Fees) != 1 || tx.Fees[0].Scope != model.FeeScopeNetwork ||
		tx.Fees[0].Settlement != model.FeeSettleExternal ||
		!tx.Fees[0].Amount.Equal(dec("0.002")) {
		t.Errorf("fees = %v, want one 0.002 ETH network fee", tx.Fees)
	}
	if tx.Blockchain == nil || tx.Blockchain.BlockHeight != 100 || !tx.Blockchain.IsConfirmed {
		t.Errorf("blockchain info = %+v", tx.Blockchain)
	}
	if len(result.ProcessedIDs) != 3 {
		t.Errorf("processed ids = %v, want all three components", result.ProcessedIDs)
	}
}

func TestEVMSameAssetNetFlow(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: evmUser}
	at := time.Now().UTC()

	records := []model.RawTransaction{
		evmRaw(t, 1, "normal", model.NormalizedBlockchainTx{
			Hash: "0xd1", Timestamp: at, From: "0xother", To: evmUser,
			AssetSymbol: "ETH", Amount: dec("2"), IsConfirmed: true,
		}),
	}
	result, err := NewEVMProcessor("ethereum", "ETH").Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	op := result.Transactions[0].Operation
	if op.Category != model.CategoryTransfer || op.Type != model.OpDeposit {
		t.Errorf("inbound transfer classified %v, want transfer/deposit", op)
	}
}

func TestEVMZeroValueTokenInflowIsSpam(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: evmUser}
	records := []model.RawTransaction{
		evmRaw(t, 1, "token", model.NormalizedBlockchainTx{
			Hash: "0xspam", Timestamp: time.Now().UTC(),
			From: "0xphisher", To: evmUser, AssetSymbol: "FAKE",
			Amount: decimal.Zero, IsConfirmed: true,
		}),
	}
	result, err := NewEVMProcessor("ethereum", "ETH").Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	tx := result.Transactions[0]
	if !tx.IsSpam || !tx.ExcludedFromAccounting {
		t.Errorf("zero-value token inflow not flagged: spam=%v excluded=%v",
			tx.IsSpam, tx.ExcludedFromAccounting)
	}
}

func TestEVMRevertedComponentKeepsSenderFee(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: evmUser}
	records := []model.RawTransaction{
		evmRaw(t, 1, "normal", model.NormalizedBlockchainTx{
			Hash: "0xfail", Timestamp: time.Now().UTC(),
			From: evmUser, To: "0xother", AssetSymbol: "ETH",
			Amount: dec("1"), FeeAmount: dec("0.0005"), FeeSymbol: "ETH",
			IsError: true, IsConfirmed: true,
		}),
	}
	result, err := NewEVMProcessor("ethereum", "ETH").Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	tx := result.Transactions[0]
	if len(tx.Movements.Inflows) != 0 || len(tx.Movements.Outflows) != 0 {
		t.Errorf("reverted component leaked movements: %+v", tx.Movements)
	}
	if len(tx.Fees) != 1 || !tx.Fees[0].Amount.Equal(dec("0.0005")) {
		t.Errorf("fees = %v, want the burned gas", tx.Fees)
	}
	if tx.Operation.Category != model.CategoryFee {
		t.Errorf("operation = %v, want fee", tx.Operation)
	}
	hasWarning := false
	for _, n := range tx.Notes {
		if n.Severity == model.NoteWarning {
			hasWarning = true
		}
	}
	if !hasWarning {
		t.Error("reverted component should leave a warning note")
	}
}

func TestEVMSelfTransfer(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: evmUser}
	records := []model.RawTransaction{
		evmRaw(t, 1, "normal", model.NormalizedBlockchainTx{
			Hash: "0xself", Timestamp: time.Now().UTC(),
			From: evmUser, To: evmUser, AssetSymbol: "ETH",
			Amount: dec("1"), FeeAmount: dec("0.0001"), FeeSymbol: "ETH",
			IsConfirmed: true,
		}),
	}
	result, err := NewEVMProcessor("ethereum", "ETH").Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	op := result.Transactions[0].Operation
	if op.Type != model.OpInternalTransfer {
		t.Errorf("self transfer classified %v, want internal_transfer", op)
	}
}
