// Package ledger applies deposits, withdrawals and settlements to member
// accounts. Every balance change runs in one store transaction that first
// settles accrued interest to the current time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/accrual"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/metrics"
	"github.com/vyaesop/eeee/internal/tiers"
)

// Policy holds the monetary rules of the ledger
type Policy struct {
	ReferralBonusRate decimal.Decimal
	MinWithdrawal     decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	MinDeposit        decimal.Decimal
	MaxRetries        int
	RetryBackoff      time.Duration
}

// DefaultPolicy returns the standard ledger rules
func DefaultPolicy() Policy {
	return Policy{
		ReferralBonusRate: decimal.RequireFromString("0.05"),
		MinWithdrawal:     decimal.Zero,
		WithdrawalFeeRate: decimal.Zero,
		MinDeposit:        decimal.Zero,
		MaxRetries:        5,
		RetryBackoff:      10 * time.Millisecond,
	}
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.ReferralBonusRate.IsNegative() || p.ReferralBonusRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("referral bonus rate must be in [0, 1), got %s", p.ReferralBonusRate)
	}
	if p.WithdrawalFeeRate.IsNegative() {
		return fmt.Errorf("withdrawal fee rate must not be negative, got %s", p.WithdrawalFeeRate)
	}
	if p.MinWithdrawal.IsNegative() {
		return fmt.Errorf("minimum withdrawal must not be negative, got %s", p.MinWithdrawal)
	}
	if p.MinDeposit.IsNegative() {
		return fmt.Errorf("minimum deposit must not be negative, got %s", p.MinDeposit)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	return nil
}

// Receipt describes a committed ledger operation
type Receipt struct {
	Account        *database.Account `json:"account"`
	Accrued        decimal.Decimal   `json:"accrued"`
	Elapsed        time.Duration     `json:"elapsed"`
	Amount         decimal.Decimal   `json:"amount"`
	Fee            decimal.Decimal   `json:"fee"`
	TotalDeduction decimal.Decimal   `json:"total_deduction"`
	FromEarnings   decimal.Decimal   `json:"from_earnings"`
	FromPrincipal  decimal.Decimal   `json:"from_principal"`
	PreviousTier   string            `json:"previous_tier"`
	ReferrerID     string            `json:"referrer_id,omitempty"`
	ReferralBonus  decimal.Decimal   `json:"referral_bonus"`
	// ReferralSkipped is set when the account names a referrer that no
	// longer exists.
	ReferralSkipped bool `json:"referral_skipped,omitempty"`
	Attempts        int  `json:"attempts"`
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithEventBus publishes ledger events after each commit
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Service) { s.events = bus }
}

// WithLogger sets the service logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service is the ledger. It is safe for concurrent use.
type Service struct {
	store  database.Store
	tiers  *tiers.Table
	policy Policy
	now    func() time.Time
	events *events.EventBus
	logger zerolog.Logger
}

// NewService creates a ledger over store
func NewService(store database.Store, table *tiers.Table, policy Policy, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if table == nil {
		return nil, errors.New("ledger: tier table is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	s := &Service{
		store:  store,
		tiers:  table,
		policy: policy,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "ledger").Logger()
	return s, nil
}

// Tiers returns the tier table
func (s *Service) Tiers() *tiers.Table {
	return s.tiers
}

// Policy returns the monetary rules
func (s *Service) Policy() Policy {
	return s.policy
}

// Now returns the service clock's current time
func (s *Service) Now() time.Time {
	return s.now()
}

// runTx runs fn in a store transaction, retrying optimistic conflicts up to
// MaxRetries times. fn must rebuild all of its outputs on every call.
func (s *Service) runTx(ctx context.Context, op string, fn func(ctx context.Context, tx database.Tx) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := s.store.RunTransaction(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return attempt, err
		}
		if attempt > s.policy.MaxRetries {
			return attempt, newError(KindTransactionConflict,
				fmt.Sprintf("%s gave up after %d attempts", op, attempt), err)
		}

		metrics.RecordRetry(op)
		s.logger.Debug().Str("operation", op).Int("attempt", attempt).Msg("transaction conflict, retrying")

		if s.policy.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(s.policy.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
}

// loadAccount reads an account in tx, mapping a missing document to
// ErrAccountNotFound.
func loadAccount(ctx context.Context, tx database.Tx, id string) (*database.Account, error) {
	acct, err := tx.GetAccount(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, newError(KindAccountNotFound, fmt.Sprintf("account %s not found", id), nil)
	}
	return acct, err
}

func stateOf(acct *database.Account) accrual.State {
	return accrual.State{
		Principal:       acct.Principal,
		EarningsBalance: acct.EarningsBalance,
		LastSettledAt:   acct.LastSettledAt,
		AutoCompound:    acct.AutoCompound,
	}
}

// settleAccount applies accrual to acct at now and realigns its tier with principal.
func (s *Service) settleAccount(acct *database.Account, now time.Time) accrual.Result {
	res := accrual.Settle(s.tiers, stateOf(acct), now)
	if res.Clamped {
		s.logger.Warn().
			Str("account_id", acct.ID).
			Time("last_settled_at", acct.LastSettledAt).
			Time("now", now).
			Msg("clock is behind last settlement, accrual skipped")
	}
	acct.EarningsBalance = res.EarningsBalance
	acct.LastSettledAt = res.LastSettledAt
	acct.TierName = res.Tier.Name
	return res
}

func newEntry(acct *database.Account, kind database.EntryType, amount, fee decimal.Decimal, reference string, now time.Time) *database.Entry {
	return &database.Entry{
		ID:             uuid.New().String(),
		AccountID:      acct.ID,
		Type:           kind,
		Amount:         amount,
		Fee:            fee,
		PrincipalAfter: acct.Principal,
		EarningsAfter:  acct.EarningsBalance,
		Reference:      reference,
		CreatedAt:      now,
	}
}

// settleAndJournal settles acct and records the credited interest, if any.
func (s *Service) settleAndJournal(ctx context.Context, tx database.Tx, acct *database.Account, now time.Time) (accrual.Result, error) {
	res := s.settleAccount(acct, now)
	if res.Accrued.IsPositive() {
		if err := tx.AppendEntry(ctx, newEntry(acct, database.EntryInterest, res.Accrued, decimal.Zero, "", now)); err != nil {
			return res, err
		}
	}
	return res, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// afterCommit records metrics and events shared by all balance-changing operations.
func (s *Service) afterCommit(r *Receipt) {
	acct := r.Account
	interest, _ := r.Accrued.Float64()
	metrics.RecordInterest(interest)
	if s.events == nil {
		return
	}
	if r.Accrued.IsPositive() {
		s.events.PublishSettled(acct.ID, r.Accrued.String(), acct.EarningsBalance.String(), r.Elapsed)
	}
	if r.PreviousTier != "" && r.PreviousTier != acct.TierName {
		s.events.PublishTierChanged(acct.ID, r.PreviousTier, acct.TierName)
	}
}
