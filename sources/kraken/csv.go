package kraken

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook/logging"
	"github.com/jbelanger/exitbook/model"
	"github.com/jbelanger/exitbook/providers"
)

const csvBatchSize = 500

// ledgerColumns are the columns a Kraken ledgers export must provide.
var ledgerColumns = []string{"txid", "refid", "time", "type", "asset", "amount", "fee"}

// CSVClient streams ledger entries out of exported ledgers*.csv files. The
// account identifier is the sorted, comma-joined directory list. Resume is
// an offset cursor counting rows already consumed across the sorted file
// set, so a re-import with unchanged files skips exactly the rows it has.
type CSVClient struct {
	logger    *logging.ComponentLogger
	batchSize int
}

func NewCSVClient(logger *logging.ComponentLogger) *CSVClient {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &CSVClient{logger: logger, batchSize: csvBatchSize}
}

func (c *CSVClient) ExecuteStreaming(ctx context.Context, account *model.Account, operation string, resume *model.CursorState) (<-chan providers.StreamBatch, error) {
	files, err := ledgerFiles(strings.Split(account.Identifier, ","))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, model.NewError(model.ErrCodeValidation,
			fmt.Sprintf("no ledgers*.csv files under %s", account.Identifier))
	}

	var skip int64
	if resume != nil {
		if v, ok := resume.ValueFor(model.CursorOffset); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				skip = n
			}
		}
	}

	out := make(chan providers.StreamBatch)
	go c.stream(ctx, files, skip, resume, out)
	return out, nil
}

func ledgerFiles(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(dir, "ledgers*.csv"))
		if err != nil {
			return nil, model.WrapError(model.ErrCodeValidation, "bad csv directory pattern", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func (c *CSVClient) stream(ctx context.Context, files []string, skip int64, resume *model.CursorState, out chan<- providers.StreamBatch) {
	defer close(out)

	consumed := int64(0)
	var pending []model.RawTransaction
	cursor := resume

	flush := func(isComplete bool) bool {
		if len(pending) == 0 && !isComplete {
			return true
		}
		cursor = c.csvCursor(consumed, pending, cursor, isComplete)
		batch := providers.StreamBatch{Records: pending, Cursor: cursor, IsComplete: isComplete}
		pending = nil
		select {
		case out <- batch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		// Commit what parsed cleanly, then terminate: the import service
		// treats this as commit-partial-and-stop.
		if len(pending) > 0 && !flush(false) {
			return
		}
		emitTerminal(out, providers.StreamBatch{Err: err})
	}

	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			fail(model.WrapError(model.ErrCodeValidation, fmt.Sprintf("opening %s", file), err))
			return
		}

		reader := csv.NewReader(f)
		reader.FieldsPerRecord = -1
		header, err := reader.Read()
		if err != nil {
			f.Close()
			fail(model.WrapError(model.ErrCodeValidation, fmt.Sprintf("reading header of %s", file), err))
			return
		}
		cols, err := columnIndex(header)
		if err != nil {
			f.Close()
			fail(model.WrapError(model.ErrCodeValidation, fmt.Sprintf("unusable header in %s", file), err))
			return
		}

		for {
			if ctx.Err() != nil {
				f.Close()
				emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "csv import cancelled", ctx.Err())})
				return
			}
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				fail(model.WrapError(model.ErrCodeValidation, fmt.Sprintf("malformed row in %s", file), err))
				return
			}

			consumed++
			if consumed <= skip {
				continue
			}

			rec, rowErr := c.toRecord(row, cols)
			if rowErr != nil {
				f.Close()
				consumed--
				fail(model.WrapError(model.ErrCodeValidation,
					fmt.Sprintf("invalid ledger row %d in %s", consumed+1, file), rowErr))
				return
			}
			if rec == nil {
				continue
			}

			pending = append(pending, *rec)
			if len(pending) >= c.batchSize {
				if !flush(false) {
					f.Close()
					emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "csv import cancelled", ctx.Err())})
					return
				}
			}
		}
		f.Close()
	}

	if !flush(true) {
		emitTerminal(out, providers.StreamBatch{Err: model.WrapError(model.ErrCodeCancelled, "csv import cancelled", ctx.Err())})
	}
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range ledgerColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	return cols, nil
}

// toRecord parses one ledger row. Rows without a txid are unsettled entries
// Kraken exports before settlement; they are skipped, not errors.
func (c *CSVClient) toRecord(row []string, cols map[string]int) (*model.RawTransaction, error) {
	field := func(name string) string {
		i := cols[name]
		if i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	txid := field("txid")
	if txid == "" {
		return nil, nil
	}

	ts, err := parseLedgerTime(field("time"))
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(field("amount"))
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", field("amount"), err)
	}
	fee := decimal.Zero
	if raw := field("fee"); raw != "" {
		fee, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("fee %q: %w", raw, err)
		}
	}

	asset := NormalizeAsset(field("asset"))
	entry := model.ExchangeLedgerEntry{
		ID:            txid,
		CorrelationID: field("refid"),
		Timestamp:     ts,
		Type:          field("type"),
		Asset:         asset,
		Amount:        amount,
		Fee:           fee,
		FeeCurrency:   asset,
		Status:        "completed",
	}

	providerData, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	normalizedData, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	return &model.RawTransaction{
		ProviderName:        "kraken-csv",
		TransactionTypeHint: entry.Type,
		EventID:             model.ComputeEventID("kraken", txid),
		Timestamp:           ts,
		ProviderData:        providerData,
		NormalizedData:      normalizedData,
		ProcessingStatus:    model.RawPending,
	}, nil
}

func parseLedgerTime(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05.0000", "2006-01-02 15:04:05", time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", raw)
}

func (c *CSVClient) csvCursor(consumed int64, batch []model.RawTransaction, prev *model.CursorState, isComplete bool) *model.CursorState {
	state := &model.CursorState{
		Primary:      model.Cursor{Type: model.CursorOffset, Value: strconv.FormatInt(consumed, 10)},
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
		ProviderName: "kraken-csv",
		UpdatedAt:    time.Now().UTC(),
		IsComplete:   isComplete,
	}
	return state
}

// emitTerminal delivers a terminal batch without blocking forever on an
// abandoned consumer.
func emitTerminal(out chan<- providers.StreamBatch, b providers.StreamBatch) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case out <- b:
	case <-timer.C:
	}
}
