package model

import "time"

// SessionStatus is the lifecycle state of one import run.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// ImportSession records one run of an import for one account. Sessions are
// immutable once terminal; counts reflect records actually committed.
type ImportSession struct {
	ID                       string
	AccountID                string
	Operation                string
	ProviderName             string
	Status                   SessionStatus
	StartedAt                time.Time
	CompletedAt              *time.Time
	DurationMs               int64
	TransactionsImported     int64
	TransactionsDeduplicated int64
	ErrorMessage             string
	ErrorDetails             string
	ResultMetadata           map[string]interface{}
}

// IsTerminal reports whether the session reached a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}
