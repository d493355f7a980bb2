package database

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a transaction lost an optimistic race
	ErrConflict = errors.New("transaction conflict")
	// ErrAlreadyExists is returned when creating a document whose key is taken
	ErrAlreadyExists = errors.New("already exists")
)

// Tx is the view of the store inside RunTransaction. Writes are staged and
// become visible only when the transaction commits.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	PutAccount(ctx context.Context, acct *Account) error
	GetReferral(ctx context.Context, referrerID, referredID string) (*Referral, error)
	UpsertReferral(ctx context.Context, ref *Referral) error
	AppendEntry(ctx context.Context, entry *Entry) error
}

// Store is the document store backing the ledger
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, acct *Account, cred *Credential) error
	FindByReferralCode(ctx context.Context, code string) (*Account, error)
	GetCredential(ctx context.Context, accountID string) (*Credential, error)
	GetCredentialByEmail(ctx context.Context, email string) (*Credential, error)
	// SetRole changes the role on an account's credential
	SetRole(ctx context.Context, accountID, role string) (*Credential, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	ListReferrals(ctx context.Context, referrerID string) ([]*Referral, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error)

	// RunTransaction runs fn and commits its staged writes atomically. It
	// returns ErrConflict if any account fn read or wrote was changed by
	// another writer before commit. fn may be called once only; retrying is
	// the caller's job.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Watch streams the account every time a write to it commits. The channel
	// is closed when ctx is done.
	Watch(ctx context.Context, id string) (<-chan *Account, error)

	HealthCheck(ctx context.Context) error
	Close()
}

// UpdateAccount reads an account, applies mutate and writes it back in one
// transaction.
func UpdateAccount(ctx context.Context, s Store, id string, mutate func(acct *Account) error) (*Account, error) {
	var updated *Account
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(acct); err != nil {
			return err
		}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		updated = acct
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update account %s: %w", id, err)
	}
	return updated, nil
}
