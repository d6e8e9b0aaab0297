package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jbelanger/exitbook/model"
)

func btcRaw(t *testing.T, id int64, hint, address string, tx model.NormalizedBlockchainTx) model.RawTransaction {
	t.Helper()
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return model.RawTransaction{
		ID:                  id,
		TransactionTypeHint: hint,
		SourceAddress:       address,
		BlockchainTxHash:    tx.Hash,
		Timestamp:           tx.Timestamp,
		NormalizedData:      data,
	}
}

func TestBitcoinDepositAndWithdrawal(t *testing.T) {
	account := &model.Account{ID: "acct-1", AccountType: model.AccountBlockchain, Identifier: "bc1qaddr"}
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	records := []model.RawTransaction{
		btcRaw(t, 1, "transfer_in", "bc1qaddr", model.NormalizedBlockchainTx{
			Hash: "txin", BlockHeight: 800000, Timestamp: at,
			Amount: dec("0.0015"), IsConfirmed: true,
		}),
		btcRaw(t, 2, "transfer_out", "bc1qaddr", model.NormalizedBlockchainTx{
			Hash: "txout", BlockHeight: 800001, Timestamp: at.Add(time.Hour),
			Amount: dec("0.00199"), FeeAmount: dec("0.00001"), IsConfirmed: true,
		}),
	}

	result, err := NewBitcoinProcessor().Process(account, records)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Transactions) != 2 {
		t.Fatalf("got %d transactions, want 2", len(result.Transactions))
	}

	deposit := result.Transactions[0]
	if deposit.Operation.Type != model.OpDeposit {
		t.Errorf("inbound classified %v, want deposit", deposit.Operation)
	}
	if deposit.ExternalID != "txin:bc1qaddr" {
		t.Errorf("externalID = %s, want address-suffixed hash", deposit.ExternalID)
	}

	withdrawal := result.Transactions[1]
	if withdrawal.Operation.Type != model.OpWithdrawal {
		t.Errorf("outbound classified %v, want withdrawal", withdrawal.Operation)
	}
	if len(withdrawal.Fees) != 1 || withdrawal.Fees[0].Scope != model.FeeScopeNetwork {
		t.Errorf("fees = %v, want one network fee", withdrawal.Fees)
	}
	if !withdrawal.Movements.Outflows[0].GrossAmount.Equal(dec("0.00199")) {
		t.Errorf("outflow = %v, want the fee-exclusive net spend",
			withdrawal.Movements.Outflows[0].GrossAmount)
	}
}

func TestBitcoinSiblingAddressesKeepDistinctIDs(t *testing.T) {
	// Two derived children of one xpub can see the same on-chain transaction.
	accountA := &model.Account{ID: "child-a", AccountType: model.AccountBlockchain, Identifier: "bc1qa"}
	accountB := &model.Account{ID: "child-b", AccountType: model.AccountBlockchain, Identifier: "bc1qb"}
	tx := model.NormalizedBlockchainTx{Hash: "shared", Timestamp: time.Now().UTC(), Amount: dec("0.1")}

	ra, err := NewBitcoinProcessor().Process(accountA,
		[]model.RawTransaction{btcRaw(t, 1, "transfer_in", "bc1qa", tx)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	rb, err := NewBitcoinProcessor().Process(accountB,
		[]model.RawTransaction{btcRaw(t, 2, "transfer_in", "bc1qb", tx)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ra.Transactions[0].ExternalID == rb.Transactions[0].ExternalID {
		t.Errorf("siblings collided on externalID %s", ra.Transactions[0].ExternalID)
	}
}
