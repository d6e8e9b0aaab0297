package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/httpclient"
	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
)

const (
	// DefaultBaseURL is the production REST endpoint.
	DefaultBaseURL = "https://api.kraken.com"

	ledgersPath = "/0/private/Ledgers"

	// The Ledgers endpoint pages 50 entries per call.
	apiPageSize = 50
)

// APIClient streams the account ledger through the authenticated REST API.
// Pagination is offset-based (the ofs parameter); the resume cursor carries
// that offset.
type APIClient struct {
	http     *httpclient.Client
	key      string
	secret   []byte
	logger   *logging.ComponentLogger
	pageSize int

	// nonce must be strictly increasing per API key.
	nonce func() int64
}

// NewAPIClient validates the credential pair and returns a client. The
// secret is Kraken's base64-encoded private key.
func NewAPIClient(hc *httpclient.Client, apiKey, apiSecret string, logger *logging.ComponentLogger) (*APIClient, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, model.NewError(model.ErrCodeValidation, "kraken api key and secret are required")
	}
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, model.WrapError(model.ErrCodeValidation, "kraken api secret is not valid base64", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &APIClient{
		http:     hc,
		key:      apiKey,
		secret:   secret,
		logger:   logger,
		pageSize: apiPageSize,
		nonce:    func() int64 { return time.Now().UnixNano() / int64(time.Millisecond) },
	}, nil
}

// sign computes the API-Sign header: HMAC-SHA512 over path plus
// SHA256(nonce + post data), keyed with the decoded secret.
func (c *APIClient) sign(path, nonce, postData string) string {
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type ledgerEntry struct {
	RefID  string  `json:"refid"`
	Time   float64 `json:"time"`
	Type   string  `json:"type"`
	Asset  string  `json:"asset"`
	Amount string  `json:"amount"`
	Fee    string  `json:"fee"`
}

type ledgersResult struct {
	Error  []string `json:"error"`
	Result struct {
		Ledger map[string]ledgerEntry `json:"ledger"`
		Count  int64                  `json:"count"`
	} `json:"result"`
}

func (c *APIClient) fetchPage(ctx context.Context, offset int64) (map[string]ledgerEntry, int64, error) {
	nonce := strconv.FormatInt(c.nonce(), 10)
	form := url.Values{}
	form.Set("nonce", nonce)
	form.Set("ofs", strconv.FormatInt(offset, 10))
	postData := form.Encode()

	body, err := c.http.Do(ctx, httpclient.Request{
		Method: "POST",
		Path:   ledgersPath,
		Body:   []byte(postData),
		Headers: map[string]string{
			"API-Key":      c.key,
			"API-Sign":     c.sign(ledgersPath, nonce, postData),
			"Content-Type": "application/x-www-form-urlencoded",
		},
	})
	if err != nil {
		return nil, 0, err
	}

	var resp ledgersResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, model.WrapError(model.ErrCodeProviderTransient, "malformed ledgers response", err)
	}
	if len(resp.Error) > 0 {
		msg := strings.Join(resp.Error, "; ")
		code := model.ErrCodeProviderTerminal
		if strings.Contains(msg, "EAPI:Rate limit") {
			code = model.ErrCodeRateLimited
		} else if strings.Contains(msg, "EService:") {
			code = model.ErrCodeProviderTransient
		}
		return nil, 0, model.NewError(code, fmt.Sprintf("kraken: %s", msg))
	}
	return resp.Result.Ledger, resp.Result.Count, nil
}

// ExecuteStreaming pulls ledger pages from the resume offset forward. Each
// batch's cursor offset counts entries consumed so far; a mid-page
// validation failure yields the partial batch then a terminal error.
func (c *APIClient) ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error) {
	var offset int64
	if resume != nil {
		if v, ok := resume.ValueFor(model.CursorOffset); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				offset = n
			}
		}
	}

	out := make(chan providers.StreamBatch)
	go c.stream(ctx, offset, resume, out)
	return out, nil
}

func (c *APIClient) stream(ctx context.Context, offset int64, cursor *model.CursorState, out chan<- providers.StreamBatch) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "ledger stream cancelled", ctx.Err())})
			return
		}

		page, total, err := c.fetchPage(ctx, offset)
		if err != nil {
			emitTerminal(out, providers.StreamBatch{Err: err})
			return
		}

		entries := c.toEntries(page)
		var convErr error
		records := make([]model.RawTransaction, 0, len(entries))
		for _, e := range entries {
			rec, err := c.toRecord(e)
			if err != nil {
				convErr = err
				break
			}
			records = append(records, rec)
		}

		offset += int64(len(records))
		isComplete := convErr == nil && (len(page) < c.pageSize || offset >= total)
		cursor = c.apiCursor(offset, records, cursor)

		if len(records) > 0 || isComplete {
			select {
			case out <- providers.StreamBatch{Records: records, Cursor: cursor, IsComplete: isComplete}:
			case <-ctx.Done():
				emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "ledger stream cancelled", ctx.Err())})
				return
			}
		}
		if convErr != nil {
			emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeValidation, "invalid ledger entry", convErr)})
			return
		}
		if isComplete {
			return
		}
	}
}

type keyedEntry struct {
	ID string
	ledgerEntry
}

// toEntries orders the map payload deterministically: by time, then id.
func (c *APIClient) toEntries(page map[string]ledgerEntry) []keyedEntry {
	entries := make([]keyedEntry, 0, len(page))
	for id, e := range page {
		entries = append(entries, keyedEntry{ID: id, ledgerEntry: e})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time != entries[j].Time {
			return entries[i].Time < entries[j].Time
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func (c *APIClient) toRecord(e keyedEntry) (model.RawTransaction, error) {
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return model.RawTransaction{}, fmt.Errorf("amount %q in %s: %w", e.Amount, e.ID, err)
	}
	fee := decimal.Zero
	if e.Fee != "" {
		fee, err = decimal.NewFromString(e.Fee)
		if err != nil {
			return model.RawTransaction{}, fmt.Errorf("fee %q in %s: %w", e.Fee, e.ID, err)
		}
	}

	sec, frac := int64(e.Time), e.Time-float64(int64(e.Time))
	ts := time.Unix(sec, int64(frac*1e9)).UTC()
	asset := NormalizeAsset(e.Asset)
	entry := model.ExchangeLedgerEntry{
		ID:            e.ID,
		CorrelationID: e.RefID,
		Timestamp:     ts,
		Type:          e.Type,
		Asset:         asset,
		Amount:        amount,
		Fee:           fee,
		FeeCurrency:   asset,
		Status:        "completed",
	}

	providerData, err := json.Marshal(e)
	if err != nil {
		return model.RawTransaction{}, err
	}
	normalizedData, err := json.Marshal(entry)
	if err != nil {
		return model.RawTransaction{}, err
	}

	return model.RawTransaction{
		ProviderName:        "kraken-api",
		TransactionTypeHint: e.Type,
		EventID:             model.ComputeEventID("kraken", e.ID),
		Timestamp:           ts,
		ProviderData:        providerData,
		NormalizedData:      normalizedData,
		ProcessingStatus:    model.RawPending,
	}, nil
}

func (c *APIClient) apiCursor(offset int64, batch []model.RawTransaction, prev *model.CursorState) *model.CursorState {
	state := &model.CursorState{
		Primary:      model.Cursor{Type: model.CursorOffset, Value: strconv.FormatInt(offset, 10)},
		Alternatives: make(map[model.CursorType]string, 1),
		TotalFetched: int64(len(batch)),
	}
	if prev != nil {
		state.TotalFetched += prev.TotalFetched
	}
	if len(batch) > 0 {
		last := batch[len(batch)-1]
		state.LastTransactionID = last.EventID
		state.Alternatives[model.CursorTimestamp] = strconv.FormatInt(last.Timestamp.UnixMilli(), 10)
	}
	state.Metadata = model.CursorMetadata{
		ProviderName: "kraken-api",
		UpdatedAt:    time.Now().UTC(),
	}
	return state
}
