// Package accrual computes time-based earnings on an account balance.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/tiers"
)

// nanosPerDay is the divisor that turns rate-per-day into rate-per-nanosecond.
var nanosPerDay = decimal.NewFromInt(int64(24 * time.Hour))

// State is the part of an account the engine reads.
type State struct {
	Principal       decimal.Decimal
	EarningsBalance decimal.Decimal
	LastSettledAt   time.Time
	AutoCompound    bool
}

// Result is the outcome of settling a State at a point in time.
type Result struct {
	EarningsBalance decimal.Decimal
	LastSettledAt   time.Time
	Accrued         decimal.Decimal
	Elapsed         time.Duration
	Tier            tiers.Tier
	// Clamped is set when now was before LastSettledAt. No interest is
	// credited and LastSettledAt is left where it was.
	Clamped bool
}

// Base returns the balance interest is computed on.
func (s State) Base() decimal.Decimal {
	if s.AutoCompound {
		return s.Principal.Add(s.EarningsBalance)
	}
	return s.Principal
}

// Settle credits the interest earned between s.LastSettledAt and now at the
// tier rate for s.Principal. It has no side effects.
func Settle(table *tiers.Table, s State, now time.Time) Result {
	tier := table.Resolve(s.Principal)
	res := Result{
		EarningsBalance: s.EarningsBalance,
		LastSettledAt:   s.LastSettledAt,
		Accrued:         decimal.Zero,
		Tier:            tier,
	}

	elapsed := now.Sub(s.LastSettledAt)
	if elapsed < 0 {
		res.Clamped = true
		return res
	}
	res.Elapsed = elapsed
	res.LastSettledAt = now

	// Earnings alone never earn interest, even when compounding.
	if elapsed == 0 || tier.DailyReturnRate.IsZero() || !s.Principal.IsPositive() {
		return res
	}

	res.Accrued = Interest(s.Base(), tier.DailyReturnRate, elapsed)
	res.EarningsBalance = s.EarningsBalance.Add(res.Accrued)
	return res
}

// Interest is base * dailyRate * elapsed / 1 day, computed with a single
// division so that splitting an interval does not change the total beyond
// the division precision.
func Interest(base, dailyRate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	return base.Mul(dailyRate).Mul(decimal.NewFromInt(int64(elapsed))).Div(nanosPerDay)
}
