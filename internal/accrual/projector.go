package accrual

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/tiers"
)

// Projection is a speculative view of an account's earnings. It is never
// persisted.
type Projection struct {
	EarningsBalance decimal.Decimal `json:"earnings_balance"`
	Principal       decimal.Decimal `json:"principal"`
	Pending         decimal.Decimal `json:"pending"`
	Tier            string          `json:"tier"`
	DailyReturnRate decimal.Decimal `json:"daily_return_rate"`
	LastSettledAt   time.Time       `json:"last_settled_at"`
	AsOf            time.Time       `json:"as_of"`
}

// Projector ticks a persisted snapshot forward for display. Reset swaps in a
// new snapshot when the stored account changes.
type Projector struct {
	table *tiers.Table

	mu       sync.RWMutex
	snapshot State
}

// NewProjector creates a projector over the given snapshot.
func NewProjector(table *tiers.Table, snapshot State) *Projector {
	return &Projector{table: table, snapshot: snapshot}
}

// Reset replaces the snapshot.
func (p *Projector) Reset(snapshot State) {
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
}

// Snapshot returns the current persisted snapshot.
func (p *Projector) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Project returns the balance the account would show if settled at now.
func (p *Projector) Project(now time.Time) Projection {
	s := p.Snapshot()
	res := Settle(p.table, s, now)
	return Projection{
		EarningsBalance: res.EarningsBalance,
		Principal:       s.Principal,
		Pending:         res.Accrued,
		Tier:            res.Tier.Name,
		DailyReturnRate: res.Tier.DailyReturnRate,
		LastSettledAt:   s.LastSettledAt,
		AsOf:            now,
	}
}
