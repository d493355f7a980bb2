// Package settlement credits accrued interest to every account that has not
// been settled recently. It runs as a cron job and on demand from the admin API.
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
)

// AccountSettler performs one authoritative settlement as of a given time.
// *ledger.Service implements it.
type AccountSettler interface {
	SettleAt(ctx context.Context, accountID string, asOf time.Time) (*ledger.Receipt, error)
}

// AccountLister enumerates the accounts a batch considers. database.Store
// implements it.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]*database.Account, error)
}

// Failure records an account the batch could not settle
type Failure struct {
	AccountID string    `json:"account_id"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchResult summarises one batch settlement run
type BatchResult struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	AsOf       time.Time       `json:"as_of"`
	Threshold  time.Duration   `json:"threshold"`
	Scanned    int             `json:"scanned"`
	Settled    int             `json:"settled"`
	Skipped    int             `json:"skipped"`
	Accrued    decimal.Decimal `json:"accrued"`
	Failures   []Failure       `json:"failures"`
	Duration   time.Duration   `json:"duration"`
}

// Failed returns the number of accounts that could not be settled
func (r *BatchResult) Failed() int {
	return len(r.Failures)
}

// Status describes the scheduler
type Status struct {
	Running bool         `json:"running"`
	Spec    string       `json:"spec"`
	NextRun *time.Time   `json:"next_run,omitempty"`
	LastRun *BatchResult `json:"last_run,omitempty"`
}
