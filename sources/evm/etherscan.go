// Package evm implements blockchain provider clients for EVM chains using
// the etherscan-compatible account API. One client type serves every
// provider that speaks this wire format; providers differ only in base URL
// and API-key requirements.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
	"github.com/jbelanger/exitbook/ratelimit"
)

const defaultPageSize = 1000

// endBlockMax mirrors the etherscan API default upper bound.
const endBlockMax = "999999999999"

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// txRow is the superset of fields across txlist, txlistinternal and tokentx
// results. Absent fields unmarshal to "".
type txRow struct {
	BlockNumber   string `json:"blockNumber"`
	TimeStamp     string `json:"timeStamp"`
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	GasPrice      string `json:"gasPrice"`
	GasUsed       string `json:"gasUsed"`
	IsError       string `json:"isError"`
	TraceID       string `json:"traceId"`
	TokenSymbol   string `json:"tokenSymbol"`
	TokenDecimal  string `json:"tokenDecimal"`
	LogIndex      string `json:"logIndex"`
	Confirmations string `json:"confirmations"`
}

// Client is an etherscan-family provider client.
type Client struct {
	name     string
	chain    string
	symbol   string
	apiKey   string
	pageSize int
	caps     providers.Capabilities
	http     *httpclient.Client
	logger   *logging.ComponentLogger
}

func newClient(b providers.BuildContext) (providers.Client, error) {
	symbol := nativeSymbol(b.Blockchain)
	return &Client{
		name:     b.Metadata.Name,
		chain:    b.Blockchain,
		symbol:   symbol,
		apiKey:   os.Getenv(b.Metadata.APIKeyEnvVar),
		pageSize: defaultPageSize,
		caps:     b.Metadata.Capabilities,
		http:     b.HTTP,
		logger:   b.Logger,
	}, nil
}

func nativeSymbol(chain string) string {
	switch chain {
	case "polygon":
		return "POL"
	case "avalanche":
		return "AVAX"
	default:
		return "ETH"
	}
}

func (c *Client) Name() string                         { return c.name }
func (c *Client) Capabilities() providers.Capabilities { return c.caps }

func actionFor(opName string) (string, string, error) {
	switch opName {
	case providers.OpGetTransactions:
		return "txlist", "normal", nil
	case providers.OpGetInternalTransactions:
		return "txlistinternal", "internal", nil
	case providers.OpGetTokenTransfers:
		return "tokentx", "token", nil
	default:
		return "", "", model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("operation %s not served by etherscan-family providers", opName))
	}
}

// Execute serves single-shot operations. Only balance lookups are
// single-shot on this API family.
func (c *Client) Execute(ctx context.Context, op providers.Operation) (interface{}, error) {
	if op.Name != providers.OpGetBalance {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("operation %s is not single-shot", op.Name))
	}
	q := c.baseQuery(op.Address)
	q.Set("module", "account")
	q.Set("action", "balance")
	q.Set("tag", "latest")

	var result string
	if err := c.call(ctx, q, &result); err != nil {
		return nil, err
	}
	wei, err := decimal.NewFromString(result)
	if err != nil {
		return nil, model.WrapError(model.ErrCodeProviderTerminal, "unparseable balance", err)
	}
	return wei.Shift(-18), nil
}

// FetchBatch pulls one page. The start block is inclusive of the cursor so
// same-block records straddling a page boundary are not lost; the overlap is
// absorbed by the manager's dedup window.
func (c *Client) FetchBatch(ctx context.Context, op providers.Operation, cursor *model.CursorState) (providers.Batch, error) {
	action, hint, err := actionFor(op.Name)
	if err != nil {
		return providers.Batch{}, err
	}

	startBlock := "0"
	if cursor != nil {
		if v, ok := cursor.ValueFor(model.CursorBlockNumber); ok {
			startBlock = v
		}
	}

	q := c.baseQuery(op.Address)
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("startblock", startBlock)
	q.Set("endblock", endBlockMax)
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(c.pageSize))
	q.Set("sort", "asc")

	var rows []txRow
	if err := c.call(ctx, q, &rows); err != nil {
		return providers.Batch{}, err
	}

	records := make([]model.RawTransaction, 0, len(rows))
	for i, row := range rows {
		rec, err := c.toRecord(row, hint, i)
		if err != nil {
			c.logger.Warn().
				Str("provider", c.name).
				Str("hash", row.Hash).
				Err(err).
				Msg("Skipping unparseable row")
			continue
		}
		records = append(records, rec)
	}
	return providers.Batch{Records: records, IsComplete: len(rows) < c.pageSize}, nil
}

func (c *Client) baseQuery(address string) url.Values {
	q := url.Values{}
	q.Set("address", address)
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	return q
}

func (c *Client) call(ctx context.Context, q url.Values, result interface{}) error {
	body, err := c.http.Get(ctx, "/api?"+q.Encode())
	if err != nil {
		return err
	}
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.WrapError(model.ErrCodeProviderTransient, "malformed response envelope", err)
	}
	// Status 0 with "No transactions found" is an empty page, not a failure.
	if resp.Status != "1" && resp.Message != "No transactions found" {
		return model.NewError(model.ErrCodeProviderTransient,
			fmt.Sprintf("%s returned status %s: %s", c.name, resp.Status, resp.Message))
	}
	if resp.Status != "1" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return model.WrapError(model.ErrCodeProviderTransient, "malformed result payload", err)
	}
	return nil
}

// toRecord converts one wire row into a raw record with its normalized
// projection. Event ids fold in the trace id for internal rows and the log
// index for token rows so components of one hash never collide.
func (c *Client) toRecord(row txRow, hint string, pageIndex int) (model.RawTransaction, error) {
	unix, err := strconv.ParseInt(row.TimeStamp, 10, 64)
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("timestamp %q: %w", row.TimeStamp, err)
	}
	block, err := strconv.ParseInt(row.BlockNumber, 10, 64)
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("block %q: %w", row.BlockNumber, err)
	}
	value, err := decimal.NewFromString(row.Value)
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("value %q: %w", row.Value, err)
	}

	symbol := c.symbol
	scale := int32(18)
	if hint == "token" {
		symbol = row.TokenSymbol
		if row.TokenDecimal != "" {
			d, err := strconv.ParseInt(row.TokenDecimal, 10, 32)
			if err != nil {
				return model.RawTransaction{}, fmt.Errorf("token decimal %q: %w", row.TokenDecimal, err)
			}
			scale = int32(d)
		}
	}

	normalized := model.NormalizedBlockchainTx{
		Hash:        row.Hash,
		BlockHeight: block,
		Timestamp:   time.Unix(unix, 0).UTC(),
		From:        model.NormalizeAddress(row.From),
		To:          model.NormalizeAddress(row.To),
		AssetSymbol: symbol,
		Amount:      value.Shift(-scale),
		TypeHint:    hint,
		IsConfirmed: row.Confirmations != "0",
		IsError:     row.IsError == "1",
	}

	var eventID string
	switch hint {
	case "internal":
		trace := row.TraceID
		if trace == "" {
			trace = strconv.Itoa(pageIndex)
		}
		normalized.TraceIndex = trace
		eventID = model.ComputeEventID(c.chain, row.Hash, hint, trace)
	case "token":
		normalized.LogIndex = row.LogIndex
		eventID = model.ComputeEventID(c.chain, row.Hash, hint, row.LogIndex)
	default:
		if row.GasUsed != "" && row.GasPrice != "" {
			gasUsed, gErr := decimal.NewFromString(row.GasUsed)
			gasPrice, pErr := decimal.NewFromString(row.GasPrice)
			if gErr == nil && pErr == nil {
				normalized.FeeAmount = gasUsed.Mul(gasPrice).Shift(-18)
				normalized.FeeSymbol = c.symbol
			}
		}
		eventID = model.ComputeEventID(c.chain, row.Hash, hint)
	}

	providerData, err := json.Marshal(row)
	if err != nil {
		return model.RawTransaction{}, err
	}
	normalizedData, err := json.Marshal(normalized)
	if err != nil {
		return model.RawTransaction{}, err
	}

	return model.RawTransaction{
		ProviderName:        c.name,
		SourceAddress:       normalized.From,
		TransactionTypeHint: hint,
		EventID:             eventID,
		BlockchainTxHash:    row.Hash,
		Timestamp:           normalized.Timestamp,
		ProviderData:        providerData,
		NormalizedData:      normalizedData,
		ProcessingStatus:    model.RawPending,
	}, nil
}

// ExtractCursors derives every cursor type available from a record.
func (c *Client) ExtractCursors(rec model.RawTransaction) map[model.CursorType]string {
	out := map[model.CursorType]string{
		model.CursorTimestamp: strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
	}
	var normalized model.NormalizedBlockchainTx
	if err := json.Unmarshal(rec.NormalizedData, &normalized); err == nil && normalized.BlockHeight > 0 {
		out[model.CursorBlockNumber] = strconv.FormatInt(normalized.BlockHeight, 10)
	}
	return out
}

// ApplyReplayWindow steps the cursor back by the declared window.
func (c *Client) ApplyReplayWindow(cursor *model.CursorState) *model.CursorState {
	if cursor == nil || c.caps.Replay.Amount == 0 {
		return cursor
	}
	out := *cursor
	switch {
	case cursor.Primary.Type == model.CursorBlockNumber && c.caps.Replay.Unit == providers.ReplayBlocks:
		n, err := strconv.ParseInt(cursor.Primary.Value, 10, 64)
		if err != nil {
			return cursor
		}
		n -= c.caps.Replay.Amount
		if n < 0 {
			n = 0
		}
		out.Primary.Value = strconv.FormatInt(n, 10)
	case cursor.Primary.Type == model.CursorTimestamp && c.caps.Replay.Unit == providers.ReplayMinutes:
		ms, err := strconv.ParseInt(cursor.Primary.Value, 10, 64)
		if err != nil {
			return cursor
		}
		ms -= c.caps.Replay.Amount * 60_000
		if ms < 0 {
			ms = 0
		}
		out.Primary.Value = strconv.FormatInt(ms, 10)
	}
	return &out
}

var evmChains = map[string]providers.ChainConfig{
	"ethereum": {BaseURL: "https://api.etherscan.io"},
}

var blockscoutChains = map[string]providers.ChainConfig{
	"ethereum": {BaseURL: "https://eth.blockscout.com"},
}

var evmCaps = providers.Capabilities{
	Operations: []string{
		providers.OpGetTransactions,
		providers.OpGetInternalTransactions,
		providers.OpGetTokenTransfers,
		providers.OpGetBalance,
	},
	SupportedCursorTypes: []model.CursorType{model.CursorBlockNumber, model.CursorTimestamp},
	PreferredCursorType:  model.CursorBlockNumber,
	Replay:               providers.ReplayWindow{Unit: providers.ReplayBlocks, Amount: 2},
}

// Register installs the EVM provider set into the default registry.
func Register() error {
	if err := providers.Register(providers.Metadata{
		Name:           "etherscan",
		DisplayName:    "Etherscan",
		Blockchains:    evmChains,
		RequiresAPIKey: true,
		APIKeyEnvVar:   "ETHERSCAN_API_KEY",
		DefaultLimits:  ratelimit.Limits{RequestsPerSecond: 5, BurstLimit: 5},
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 3,
		Capabilities:   evmCaps,
	}, newClient); err != nil {
		return err
	}
	return providers.Register(providers.Metadata{
		Name:           "blockscout",
		DisplayName:    "Blockscout",
		Blockchains:    blockscoutChains,
		DefaultLimits:  ratelimit.Limits{RequestsPerSecond: 2, BurstLimit: 2},
		DefaultTimeout: 30 * time.Second,
		DefaultRetries: 3,
		Capabilities:   evmCaps,
	}, newClient)
}
