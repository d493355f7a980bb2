package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyaesop/eeee/internal/tiers"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSettle_OneDaySimple(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("1000"), EarningsBalance: dec("0"), LastSettledAt: t0}

	res := Settle(table, s, t0.Add(24*time.Hour))

	assert.Equal(t, "Gold assets 1", res.Tier.Name)
	assert.True(t, res.Accrued.Equal(dec("15")), "accrued %s", res.Accrued)
	assert.True(t, res.EarningsBalance.Equal(dec("15")), "earnings %s", res.EarningsBalance)
	assert.Equal(t, t0.Add(24*time.Hour), res.LastSettledAt)
	assert.False(t, res.Clamped)
}

func TestSettle_AutoCompoundUsesEarnings(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("1000"), EarningsBalance: dec("100"), LastSettledAt: t0, AutoCompound: true}

	res := Settle(table, s, t0.Add(24*time.Hour))

	assert.True(t, res.Accrued.Equal(dec("16.5")), "accrued %s", res.Accrued)
	assert.True(t, res.EarningsBalance.Equal(dec("116.5")), "earnings %s", res.EarningsBalance)
}

func TestSettle_TierFromPrincipalOnly(t *testing.T) {
	table := tiers.Default()
	// Earnings would push the base over 800 but the tier follows principal.
	s := State{Principal: dec("700"), EarningsBalance: dec("500"), LastSettledAt: t0, AutoCompound: true}

	res := Settle(table, s, t0.Add(24*time.Hour))

	assert.Equal(t, tiers.ZeroTierName, res.Tier.Name)
	assert.True(t, res.Accrued.IsZero())
	assert.True(t, res.EarningsBalance.Equal(dec("500")))
	assert.Equal(t, t0.Add(24*time.Hour), res.LastSettledAt)
}

func TestSettle_Idempotent(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("5000"), EarningsBalance: dec("12.34"), LastSettledAt: t0, AutoCompound: true}
	now := t0.Add(37*time.Hour + 12*time.Minute)

	first := Settle(table, s, now)
	second := Settle(table, State{
		Principal:       s.Principal,
		EarningsBalance: first.EarningsBalance,
		LastSettledAt:   first.LastSettledAt,
		AutoCompound:    s.AutoCompound,
	}, now)

	assert.True(t, second.Accrued.IsZero())
	assert.True(t, second.EarningsBalance.Equal(first.EarningsBalance))
	assert.Equal(t, first.LastSettledAt, second.LastSettledAt)
}

func TestSettle_LinearWithoutCompounding(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("3200"), EarningsBalance: dec("0"), LastSettledAt: t0}

	splits := []time.Duration{
		time.Second,
		17 * time.Minute,
		5 * time.Hour,
		13*time.Hour + 7*time.Second,
	}
	end := t0.Add(3*24*time.Hour + 11*time.Minute)
	whole := Settle(table, s, end)

	for _, split := range splits {
		t.Run(split.String(), func(t *testing.T) {
			mid := Settle(table, s, t0.Add(split))
			rest := Settle(table, State{
				Principal:       s.Principal,
				EarningsBalance: mid.EarningsBalance,
				LastSettledAt:   mid.LastSettledAt,
			}, end)

			diff := rest.EarningsBalance.Sub(whole.EarningsBalance).Abs()
			assert.True(t, diff.LessThan(dec("0.000000001")),
				"split %s: %s vs %s", split, rest.EarningsBalance, whole.EarningsBalance)
		})
	}
}

func TestSettle_ClampsNegativeElapsed(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("1000"), EarningsBalance: dec("3"), LastSettledAt: t0}

	res := Settle(table, s, t0.Add(-time.Hour))

	assert.True(t, res.Clamped)
	assert.True(t, res.Accrued.IsZero())
	assert.True(t, res.EarningsBalance.Equal(dec("3")))
	assert.Equal(t, t0, res.LastSettledAt, "last settled time must not move backwards")
}

func TestSettle_NeverNegative(t *testing.T) {
	table := tiers.Default()
	for _, p := range []string{"0", "799.99", "800", "13000"} {
		for _, e := range []time.Duration{0, time.Nanosecond, time.Hour, 400 * 24 * time.Hour} {
			res := Settle(table, State{Principal: dec(p), LastSettledAt: t0}, t0.Add(e))
			assert.False(t, res.Accrued.IsNegative(), "principal %s elapsed %s", p, e)
			assert.False(t, res.EarningsBalance.IsNegative())
		}
	}
}

func TestSettle_ZeroRateAdvancesClock(t *testing.T) {
	table := tiers.Default()
	s := State{Principal: dec("0"), EarningsBalance: dec("0"), LastSettledAt: t0}

	res := Settle(table, s, t0.Add(48*time.Hour))

	assert.True(t, res.Accrued.IsZero())
	assert.Equal(t, t0.Add(48*time.Hour), res.LastSettledAt)
	assert.Equal(t, 48*time.Hour, res.Elapsed)
}

func TestSettle_ZeroPrincipalCompoundingEarnsNothing(t *testing.T) {
	input := tiers.DefaultTiers(tiers.DefaultDailyRate)
	input[0].DailyReturnRate = dec("0.01")
	table, err := tiers.NewTable(input, tiers.DefaultEpsilon)
	require.NoError(t, err)

	s := State{Principal: dec("0"), EarningsBalance: dec("50"), LastSettledAt: t0, AutoCompound: true}
	res := Settle(table, s, t0.Add(24*time.Hour))

	assert.True(t, res.Accrued.IsZero(), "accrued %s", res.Accrued)
	assert.True(t, res.EarningsBalance.Equal(dec("50")), "earnings %s", res.EarningsBalance)
	assert.Equal(t, t0.Add(24*time.Hour), res.LastSettledAt)

	// A positive principal in the same tier does earn at its rate.
	s.Principal = dec("100")
	res = Settle(table, s, t0.Add(24*time.Hour))
	assert.True(t, res.Accrued.Equal(dec("1.5")), "accrued %s", res.Accrued)
}

func TestInterest(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		rate     string
		elapsed  time.Duration
		expected string
	}{
		{"one day", "1000", "0.015", 24 * time.Hour, "15"},
		{"half day", "1000", "0.015", 12 * time.Hour, "7.5"},
		{"two days", "2000", "0.01", 48 * time.Hour, "40"},
		{"zero elapsed", "1000", "0.015", 0, "0"},
		{"negative elapsed", "1000", "0.015", -time.Hour, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Interest(dec(tt.base), dec(tt.rate), tt.elapsed)
			assert.True(t, got.Equal(dec(tt.expected)), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestProjector_DoesNotMutateSnapshot(t *testing.T) {
	table := tiers.Default()
	snap := State{Principal: dec("1000"), EarningsBalance: dec("10"), LastSettledAt: t0}
	p := NewProjector(table, snap)

	first := p.Project(t0.Add(time.Hour))
	second := p.Project(t0.Add(2 * time.Hour))

	require.True(t, second.EarningsBalance.GreaterThan(first.EarningsBalance))
	assert.True(t, p.Snapshot().EarningsBalance.Equal(dec("10")))
	assert.Equal(t, t0, p.Snapshot().LastSettledAt)
	assert.Equal(t, "Gold assets 1", first.Tier)
	assert.True(t, first.Pending.Equal(dec("0.625")), "pending %s", first.Pending)
}

func TestProjector_Reset(t *testing.T) {
	table := tiers.Default()
	p := NewProjector(table, State{Principal: dec("1000"), LastSettledAt: t0})

	p.Reset(State{Principal: dec("13000"), EarningsBalance: dec("1"), LastSettledAt: t0.Add(time.Hour)})
	proj := p.Project(t0.Add(time.Hour))

	assert.Equal(t, "Large Scale Investment", proj.Tier)
	assert.True(t, proj.EarningsBalance.Equal(dec("1")))
	assert.True(t, proj.Pending.IsZero())
}
