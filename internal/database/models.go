package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credential roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// EntryType classifies journal entries
type EntryType string

const (
	EntryDeposit       EntryType = "deposit"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryInterest      EntryType = "interest"
	EntryReferralBonus EntryType = "referral_bonus"
)

// Account is the ledger document for one member
type Account struct {
	ID              string          `json:"id"`
	Principal       decimal.Decimal `json:"principal"`
	EarningsBalance decimal.Decimal `json:"earnings_balance"`
	TierName        string          `json:"tier"`
	LastSettledAt   time.Time       `json:"last_settled_at"`
	ReferredBy      *string         `json:"referred_by,omitempty"`
	AutoCompound    bool            `json:"auto_compound"`
	ReferralCode    string          `json:"referral_code"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	// Version is bumped on every committed write.
	Version int64 `json:"version"`
}

// Total is principal plus earnings.
func (a *Account) Total() decimal.Decimal {
	return a.Principal.Add(a.EarningsBalance)
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.ReferredBy != nil {
		ref := *a.ReferredBy
		c.ReferredBy = &ref
	}
	return &c
}

// Referral links a referrer to an account they referred
type Referral struct {
	ReferrerID        string          `json:"referrer_id"`
	ReferredID        string          `json:"referred_id"`
	CumulativeDeposit decimal.Decimal `json:"cumulative_deposit"`
	BonusPaid         decimal.Decimal `json:"bonus_paid"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// newReferral returns the empty referral record owed to a newly created
// referred account, or nil when acct was not referred.
func newReferral(acct *Account) *Referral {
	if acct.ReferredBy == nil || *acct.ReferredBy == "" || *acct.ReferredBy == acct.ID {
		return nil
	}
	return &Referral{
		ReferrerID:        *acct.ReferredBy,
		ReferredID:        acct.ID,
		CumulativeDeposit: decimal.Zero,
		BonusPaid:         decimal.Zero,
		CreatedAt:         acct.CreatedAt,
		UpdatedAt:         acct.CreatedAt,
	}
}

// Entry is an append-only journal line written with each balance change
type Entry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Type           EntryType       `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	PrincipalAfter decimal.Decimal `json:"principal_after"`
	EarningsAfter  decimal.Decimal `json:"earnings_after"`
	Reference      string          `json:"reference,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Credential holds login data for an account
type Credential struct {
	AccountID    string    `json:"account_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsAdmin reports whether the credential carries the admin role.
func (c *Credential) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
