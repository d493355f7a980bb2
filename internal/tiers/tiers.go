// Package tiers holds the membership tier catalogue and resolves an account's
// tier from its principal.
package tiers

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ZeroTierName is the tier every account starts in.
const ZeroTierName = "Observer"

// Table validation errors
var (
	ErrEmptyTable        = errors.New("tier table is empty")
	ErrZeroTierMissing   = errors.New("first tier must start at zero")
	ErrNotAscending      = errors.New("tier minimum deposits must be strictly ascending")
	ErrNotContiguous     = errors.New("tier ranges must be contiguous")
	ErrUnboundedTier     = errors.New("only the last tier may be unbounded")
	ErrLastTierBounded   = errors.New("last tier must be unbounded")
	ErrInvalidRange      = errors.New("tier maximum is below its minimum")
	ErrInvalidRate       = errors.New("daily return rate must be in [0, 1)")
	ErrDuplicateTierName = errors.New("duplicate tier name")
)

// Tier is one membership level. MaxDeposit nil means no upper bound.
type Tier struct {
	Name            string           `json:"name"`
	MinDeposit      decimal.Decimal  `json:"min_deposit"`
	MaxDeposit      *decimal.Decimal `json:"max_deposit,omitempty"`
	DailyReturnRate decimal.Decimal  `json:"daily_return_rate"`
	Color           string           `json:"color,omitempty"`
}

// Unbounded reports whether the tier has no upper deposit limit.
func (t Tier) Unbounded() bool {
	return t.MaxDeposit == nil
}

// Contains reports whether principal falls inside [MinDeposit, MaxDeposit].
func (t Tier) Contains(principal decimal.Decimal) bool {
	if principal.LessThan(t.MinDeposit) {
		return false
	}
	return t.MaxDeposit == nil || principal.LessThanOrEqual(*t.MaxDeposit)
}

// APY is the annualised yield of daily compounding at the tier rate:
// (1 + r)^365 - 1.
func (t Tier) APY() decimal.Decimal {
	return decimal.NewFromInt(1).Add(t.DailyReturnRate).Pow(decimal.NewFromInt(365)).Sub(decimal.NewFromInt(1))
}

// Table is an ordered, validated, immutable tier catalogue.
type Table struct {
	tiers   []Tier
	byName  map[string]int
	epsilon decimal.Decimal
}

// NewTable validates tiers and returns a table. Tiers must be given in
// ascending order, the first starting at zero, each next tier starting
// exactly epsilon above the previous maximum, and the last unbounded.
func NewTable(tiers []Tier, epsilon decimal.Decimal) (*Table, error) {
	if len(tiers) == 0 {
		return nil, ErrEmptyTable
	}
	if !epsilon.IsPositive() {
		return nil, fmt.Errorf("tier epsilon must be positive, got %s", epsilon)
	}
	if !tiers[0].MinDeposit.IsZero() {
		return nil, fmt.Errorf("%w: %q starts at %s", ErrZeroTierMissing, tiers[0].Name, tiers[0].MinDeposit)
	}

	byName := make(map[string]int, len(tiers))
	for i, t := range tiers {
		if _, dup := byName[t.Name]; dup || t.Name == "" {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTierName, t.Name)
		}
		byName[t.Name] = i

		if t.DailyReturnRate.IsNegative() || t.DailyReturnRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: %q has %s", ErrInvalidRate, t.Name, t.DailyReturnRate)
		}

		last := i == len(tiers)-1
		if t.MaxDeposit == nil && !last {
			return nil, fmt.Errorf("%w: %q", ErrUnboundedTier, t.Name)
		}
		if t.MaxDeposit != nil && last {
			return nil, fmt.Errorf("%w: %q ends at %s", ErrLastTierBounded, t.Name, *t.MaxDeposit)
		}
		if t.MaxDeposit != nil && t.MaxDeposit.LessThan(t.MinDeposit) {
			return nil, fmt.Errorf("%w: %q [%s, %s]", ErrInvalidRange, t.Name, t.MinDeposit, *t.MaxDeposit)
		}

		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if !t.MinDeposit.GreaterThan(prev.MinDeposit) {
			return nil, fmt.Errorf("%w: %q (%s) after %q (%s)", ErrNotAscending, t.Name, t.MinDeposit, prev.Name, prev.MinDeposit)
		}
		if want := prev.MaxDeposit.Add(epsilon); !t.MinDeposit.Equal(want) {
			return nil, fmt.Errorf("%w: %q starts at %s, expected %s", ErrNotContiguous, t.Name, t.MinDeposit, want)
		}
	}

	owned := make([]Tier, len(tiers))
	copy(owned, tiers)
	for i := range owned {
		if owned[i].MaxDeposit != nil {
			upper := *owned[i].MaxDeposit
			owned[i].MaxDeposit = &upper
		}
	}

	return &Table{tiers: owned, byName: byName, epsilon: epsilon}, nil
}

// Resolve returns the highest tier whose MinDeposit is at or below principal.
// Negative principals resolve to the zero tier.
func (t *Table) Resolve(principal decimal.Decimal) Tier {
	for i := len(t.tiers) - 1; i >= 0; i-- {
		if t.tiers[i].MinDeposit.LessThanOrEqual(principal) {
			return t.tiers[i]
		}
	}
	return t.tiers[0]
}

// Lookup finds a tier by name.
func (t *Table) Lookup(name string) (Tier, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Tier{}, false
	}
	return t.tiers[i], true
}

// ZeroTier is the tier new accounts start in.
func (t *Table) ZeroTier() Tier {
	return t.tiers[0]
}

// Tiers returns a copy of the catalogue in ascending order.
func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Epsilon is the smallest currency unit used for range boundaries.
func (t *Table) Epsilon() decimal.Decimal {
	return t.epsilon
}

// Len returns the number of tiers.
func (t *Table) Len() int {
	return len(t.tiers)
}
