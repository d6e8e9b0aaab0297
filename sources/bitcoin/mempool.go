// Package bitcoin implements the Bitcoin provider clients and the extended
// public key derivation used for xpub account fan-out. The providers speak
// the mempool.space address API, which blockstream.info also serves.
package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/ratelimit"
	"github.com/jbelanger/exitbook/sources"
)

// The address endpoint returns at most 25 confirmed transactions per page.
const chainPageSize = 25

type txOut struct {
	ScriptpubkeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type txIn struct {
	Prevout *txOut `json:"prevout"`
}

type addressTx struct {
	Txid   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin  []txIn  `json:"vin"`
	Vout []txOut `json:"vout"`
}

// Client fetches address history pages. Pagination is an opaque token: the
// txid of the last transaction in the previous page.
type Client struct {
	name   string
	caps   providers.Capabilities
	http   *httpclient.Client
	logger *logging.ComponentLogger
}

func newClient(b providers.BuildContext) (providers.Client, error) {
	return &Client{
		name:   b.Metadata.Name,
		caps:   b.Metadata.Capabilities,
		http:   b.HTTP,
		logger: b.Logger,
	}, nil
}

func (c *Client) Name() string                         { return c.name }
func (c *Client) Capabilities() providers.Capabilities { return c.caps }

// Execute serves balance lookups via the address summary endpoint.
func (c *Client) Execute(ctx context.Context, op providers.Operation) (interface{}, error) {
	if op.Name != providers.OpGetBalance {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("operation %s is not single-shot", op.Name))
	}
	body, err := c.http.Get(ctx, "/api/address/"+op.Address)
	if err != nil {
		return nil, err
	}
	var summary struct {
		ChainStats struct {
			FundedSum int64 `json:"funded_txo_sum"`
			SpentSum  int64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, model.WrapError(model.ErrCodeProviderTransient, "malformed address summary", err)
	}
	sats := summary.ChainStats.FundedSum - summary.ChainStats.SpentSum
	return decimal.NewFromInt(sats).Shift(-8), nil
}

func (c *Client) FetchBatch(ctx context.Context, op providers.Operation, cursor *model.CursorState) (providers.Batch, error) {
	if op.Name != providers.OpGetTransactions {
		return providers.Batch{}, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("operation %s not served by %s", op.Name, c.name))
	}

	// The endpoint pages newest to oldest, so a token saved by a finished
	// import points into history. Restart those from the tip and let the
	// (account_id, event_id) conflict handling absorb the overlap;
	// otherwise transactions confirmed since the last run are unreachable.
	path := "/api/address/" + op.Address + "/txs/chain"
	if cursor != nil && !cursor.Metadata.IsComplete {
		if v, ok := cursor.ValueFor(model.CursorPageToken); ok && v != "" {
			path += "/" + v
		}
	}

	body, err := c.http.Get(ctx, path)
	if err != nil {
		return providers.Batch{}, err
	}
	var txs []addressTx
	if err := json.Unmarshal(body, &txs); err != nil {
		return providers.Batch{}, model.WrapError(model.ErrCodeProviderTransient, "malformed transaction page", err)
	}

	records := make([]model.RawTransaction, 0, len(txs))
	for _, tx := range txs {
		rec, err := c.toRecord(tx, op.Address)
		if err != nil {
			c.logger.Warn().
				Str("provider", c.name).
				Str("txid", tx.Txid).
				Err(err).
				Msg("Skipping unparseable transaction")
			continue
		}
		records = append(records, rec)
	}
	return providers.Batch{Records: records, IsComplete: len(txs) < chainPageSize}, nil
}

// toRecord nets the transaction against the tracked address: outputs paying
// the address minus inputs spending from it.
func (c *Client) toRecord(tx addressTx, address string) (model.RawTransaction, error) {
	var sent, received int64
	var counterparty string
	for _, in := range tx.Vin {
		if in.Prevout == nil {
			continue
		}
		if in.Prevout.ScriptpubkeyAddress == address {
			sent += in.Prevout.Value
		} else if counterparty == "" {
			counterparty = in.Prevout.ScriptpubkeyAddress
		}
	}
	for _, out := range tx.Vout {
		if out.ScriptpubkeyAddress == address {
			received += out.Value
		} else if counterparty == "" {
			counterparty = out.ScriptpubkeyAddress
		}
	}

	net := received - sent
	hint := "transfer_in"
	from, to := counterparty, address
	if net < 0 {
		hint = "transfer_out"
		from, to = address, counterparty
		// The sender bears the fee; it is already excluded from the outputs.
		net = -net - tx.Fee
		if net < 0 {
			net = 0
		}
	}

	normalized := model.NormalizedBlockchainTx{
		Hash:        tx.Txid,
		BlockHeight: tx.Status.BlockHeight,
		Timestamp:   time.Unix(tx.Status.BlockTime, 0).UTC(),
		From:        from,
		To:          to,
		AssetSymbol: "BTC",
		Amount:      decimal.NewFromInt(net).Shift(-8),
		TypeHint:    hint,
		IsConfirmed: tx.Status.Confirmed,
	}
	if hint == "transfer_out" {
		normalized.FeeAmount = decimal.NewFromInt(tx.Fee).Shift(-8)
		normalized.FeeSymbol = "BTC"
	}

	providerData, err := json.Marshal(tx)
	if err != nil {
		return model.RawTransaction{}, err
	}
	normalizedData, err := json.Marshal(normalized)
	if err != nil {
		return model.RawTransaction{}, err
	}

	return model.RawTransaction{
		ProviderName:        c.name,
		SourceAddress:       address,
		TransactionTypeHint: hint,
		EventID:             model.ComputeEventID("bitcoin", tx.Txid, address),
		BlockchainTxHash:    tx.Txid,
		Timestamp:           normalized.Timestamp,
		ProviderData:        providerData,
		NormalizedData:      normalizedData,
		ProcessingStatus:    model.RawPending,
	}, nil
}

func (c *Client) ExtractCursors(rec model.RawTransaction) map[model.CursorType]string {
	return map[model.CursorType]string{
		model.CursorPageToken: rec.BlockchainTxHash,
		model.CursorTimestamp: strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
	}
}

// ApplyReplayWindow is the identity for page token cursors: the token
// already names an exact position and re-fetching its page is safe.
func (c *Client) ApplyReplayWindow(cursor *model.CursorState) *model.CursorState {
	return cursor
}

var btcCaps = providers.Capabilities{
	Operations:           []string{providers.OpGetTransactions, providers.OpGetBalance},
	SupportedCursorTypes: []model.CursorType{model.CursorPageToken, model.CursorTimestamp},
	PreferredCursorType:  model.CursorPageToken,
}

// Register installs the Bitcoin provider set and the address derivation
// into the default registries.
func Register() error {
	sources.RegisterDerivation("bitcoin", DeriveAddresses)

	if err := providers.Register(providers.Metadata{
		Name:           "mempool-space",
		DisplayName:    "mempool.space",
		Blockchains:    map[string]providers.ChainConfig{"bitcoin": {BaseURL: "https://mempool.space"}},
		DefaultLimits:  ratelimit.Limits{RequestsPerSecond: 4, BurstLimit: 4},
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 3,
		Capabilities:   btcCaps,
	}, newClient); err != nil {
		return err
	}
	return providers.Register(providers.Metadata{
		Name:           "blockstream",
		DisplayName:    "Blockstream",
		Blockchains:    map[string]providers.ChainConfig{"bitcoin": {BaseURL: "https://blockstream.info"}},
		DefaultLimits:  ratelimit.Limits{RequestsPerSecond: 4, BurstLimit: 4},
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 3,
		Capabilities:   btcCaps,
	}, newClient)
}
