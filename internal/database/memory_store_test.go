package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(id, code string) *Account {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Account{
		ID:              id,
		Principal:       decimal.Zero,
		EarningsBalance: decimal.Zero,
		TierName:        "Observer",
		LastSettledAt:   now,
		AutoCompound:    true,
		ReferralCode:    code,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), &Credential{Email: "A@example.com", PasswordHash: "x", Role: RoleUser}))

	acct, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Version)
	assert.Equal(t, "AAAAAA", acct.ReferralCode)

	byCode, err := s.FindByReferralCode(ctx, "AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "a1", byCode.ID)

	cred, err := s.GetCredentialByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a1", cred.AccountID)

	_, err = s.GetAccount(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), &Credential{Email: "a@example.com"}))

	tests := []struct {
		name string
		acct *Account
		cred *Credential
	}{
		{"same id", newAccount("a1", "BBBBBB"), nil},
		{"same code", newAccount("a2", "AAAAAA"), nil},
		{"same email", newAccount("a3", "CCCCCC"), &Credential{Email: "A@EXAMPLE.COM"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateAccount(ctx, tt.acct, tt.cred)
			assert.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), nil))

	acct, _ := s.GetAccount(ctx, "a1")
	acct.Principal = decimal.NewFromInt(999)

	again, _ := s.GetAccount(ctx, "a1")
	assert.True(t, again.Principal.IsZero())
}

func TestMemoryStore_TransactionCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), nil))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, "a1")
		if err != nil {
			return err
		}
		acct.Principal = decimal.NewFromInt(100)
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.UpsertReferral(ctx, &Referral{ReferrerID: "a0", ReferredID: "a1", CumulativeDeposit: decimal.NewFromInt(100)}); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, &Entry{ID: "e1", AccountID: "a1", Type: EntryDeposit, Amount: decimal.NewFromInt(100)})
	})
	require.NoError(t, err)

	acct, _ := s.GetAccount(ctx, "a1")
	assert.True(t, acct.Principal.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(2), acct.Version)

	refs, _ := s.ListReferrals(ctx, "a0")
	require.Len(t, refs, 1)
	assert.Equal(t, "a1", refs[0].ReferredID)

	entries, _ := s.ListEntries(ctx, "a1", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryDeposit, entries[0].Type)
}

func TestMemoryStore_TransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), nil))
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		acct, _ := tx.GetAccount(ctx, "a1")
		acct.Principal = decimal.NewFromInt(100)
		_ = tx.PutAccount(ctx, acct)
		_ = tx.AppendEntry(ctx, &Entry{ID: "e1", AccountID: "a1"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, _ := s.GetAccount(ctx, "a1")
	assert.True(t, acct.Principal.IsZero())
	assert.Equal(t, int64(1), acct.Version)
	entries, _ := s.ListEntries(ctx, "a1", 0)
	assert.Empty(t, entries)
}

func TestMemoryStore_ConflictOnConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), nil))

	// Another writer commits between our read and our commit.
	s.beforeCommit = func() {
		s.beforeCommit = nil
		_, err := UpdateAccount(ctx, s, "a1", func(acct *Account) error {
			acct.EarningsBalance = decimal.NewFromInt(7)
			return nil
		})
		require.NoError(t, err)
	}

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := tx.GetAccount(ctx, "a1")
		if err != nil {
			return err
		}
		acct.Principal = decimal.NewFromInt(50)
		return tx.PutAccount(ctx, acct)
	})
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	acct, _ := s.GetAccount(ctx, "a1")
	assert.True(t, acct.Principal.IsZero(), "losing write must not be applied")
	assert.True(t, acct.EarningsBalance.Equal(decimal.NewFromInt(7)))
}

func TestMemoryStore_CreateReferredAccountAddsReferral(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a0", "AAAAAA"), nil))

	acct := newAccount("a1", "BBBBBB")
	ref := "a0"
	acct.ReferredBy = &ref
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	refs, err := s.ListReferrals(ctx, "a0")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "a1", refs[0].ReferredID)
	assert.True(t, refs[0].CumulativeDeposit.IsZero())
	assert.True(t, refs[0].BonusPaid.IsZero())

	self := newAccount("a2", "CCCCCC")
	selfRef := "a2"
	self.ReferredBy = &selfRef
	require.NoError(t, s.CreateAccount(ctx, self, nil))
	refs, _ = s.ListReferrals(ctx, "a2")
	assert.Empty(t, refs)
}

func TestMemoryStore_ImmutableFieldsSurviveWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	acct := newAccount("a1", "AAAAAA")
	ref := "a0"
	acct.ReferredBy = &ref
	require.NoError(t, s.CreateAccount(ctx, acct, nil))

	_, err := UpdateAccount(ctx, s, "a1", func(a *Account) error {
		a.ReferredBy = nil
		a.ReferralCode = "ZZZZZZ"
		return nil
	})
	require.NoError(t, err)

	got, _ := s.GetAccount(ctx, "a1")
	require.NotNil(t, got.ReferredBy)
	assert.Equal(t, "a0", *got.ReferredBy)
	assert.Equal(t, "AAAAAA", got.ReferralCode)
}

func TestMemoryStore_Watch(t *testing.T) {
	notifier := NewLocalNotifier()
	s := NewMemoryStore(notifier)
	require.NoError(t, s.CreateAccount(context.Background(), newAccount("a1", "AAAAAA"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.Watchers("a1"))

	_, err = UpdateAccount(context.Background(), s, "a1", func(a *Account) error {
		a.Principal = decimal.NewFromInt(42)
		return nil
	})
	require.NoError(t, err)

	select {
	case acct := <-ch:
		assert.True(t, acct.Principal.Equal(decimal.NewFromInt(42)))
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// drain a racing value, then expect close
			_, ok = <-ch
		}
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected watch channel to close")
	}
	assert.Equal(t, 0, notifier.Watchers("a1"))

	_, err = s.Watch(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListEntries_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreateAccount(ctx, newAccount("a1", "AAAAAA"), nil))

	for _, id := range []string{"e1", "e2", "e3"} {
		id := id
		require.NoError(t, s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
			return tx.AppendEntry(ctx, &Entry{ID: id, AccountID: "a1"})
		}))
	}

	entries, err := s.ListEntries(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e3", entries[0].ID)
	assert.Equal(t, "e2", entries[1].ID)
}
