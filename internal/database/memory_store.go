package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store with optimistic version checks. It backs
// tests and single-instance deployments without PostgreSQL.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*Account
	credentials map[string]*Credential
	emails      map[string]string
	codes       map[string]string
	referrals   map[string]map[string]*Referral
	entries     map[string][]*Entry
	notifier    Notifier

	// beforeCommit runs between fn and the commit check. Tests use it to
	// interleave writers.
	beforeCommit func()
}

// NewMemoryStore creates an empty store. A nil notifier uses a LocalNotifier.
func NewMemoryStore(notifier Notifier) *MemoryStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		credentials: make(map[string]*Credential),
		emails:      make(map[string]string),
		codes:       make(map[string]string),
		referrals:   make(map[string]map[string]*Referral),
		entries:     make(map[string][]*Entry),
		notifier:    notifier,
	}
}

// GetAccount returns a copy of the account
func (s *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return acct.Clone(), nil
}

// CreateAccount inserts a new account and its credential
func (s *MemoryStore) CreateAccount(ctx context.Context, acct *Account, cred *Credential) error {
	s.mu.Lock()
	if _, ok := s.accounts[acct.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("account %s: %w", acct.ID, ErrAlreadyExists)
	}
	if acct.ReferralCode != "" {
		if _, ok := s.codes[acct.ReferralCode]; ok {
			s.mu.Unlock()
			return fmt.Errorf("referral code %s: %w", acct.ReferralCode, ErrAlreadyExists)
		}
	}
	var email string
	if cred != nil {
		email = strings.ToLower(cred.Email)
		if _, ok := s.emails[email]; ok && email != "" {
			s.mu.Unlock()
			return fmt.Errorf("email %s: %w", cred.Email, ErrAlreadyExists)
		}
	}

	stored := acct.Clone()
	stored.Version = 1
	acct.Version = 1
	s.accounts[acct.ID] = stored
	if acct.ReferralCode != "" {
		s.codes[acct.ReferralCode] = acct.ID
	}
	if cred != nil {
		c := *cred
		c.AccountID = acct.ID
		s.credentials[acct.ID] = &c
		if email != "" {
			s.emails[email] = acct.ID
		}
	}
	if ref := newReferral(acct); ref != nil {
		if s.referrals[ref.ReferrerID] == nil {
			s.referrals[ref.ReferrerID] = make(map[string]*Referral)
		}
		s.referrals[ref.ReferrerID][ref.ReferredID] = ref
	}
	published := stored.Clone()
	s.mu.Unlock()

	s.notifier.Publish(ctx, published)
	return nil
}

// FindByReferralCode looks up the account owning a referral code
func (s *MemoryStore) FindByReferralCode(_ context.Context, code string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("referral code %s: %w", code, ErrNotFound)
	}
	return s.accounts[id].Clone(), nil
}

// GetCredential returns the credential for an account
func (s *MemoryStore) GetCredential(_ context.Context, accountID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[accountID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", accountID, ErrNotFound)
	}
	c := *cred
	return &c, nil
}

// SetRole changes the role on an account's credential
func (s *MemoryStore) SetRole(_ context.Context, accountID, role string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[accountID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", accountID, ErrNotFound)
	}
	cred.Role = role
	c := *cred
	return &c, nil
}

// GetCredentialByEmail returns the credential registered under email
func (s *MemoryStore) GetCredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	s.mu.RLock()
	id, ok := s.emails[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("email %s: %w", email, ErrNotFound)
	}
	return s.GetCredential(ctx, id)
}

// ListAccounts returns copies of all accounts ordered by id
func (s *MemoryStore) ListAccounts(_ context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListReferrals returns the referral records of a referrer
func (s *MemoryStore) ListReferrals(_ context.Context, referrerID string) ([]*Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Referral, 0, len(s.referrals[referrerID]))
	for _, ref := range s.referrals[referrerID] {
		r := *ref
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferredID < out[j].ReferredID })
	return out, nil
}

// ListEntries returns the newest entries first. limit <= 0 returns all.
func (s *MemoryStore) ListEntries(_ context.Context, accountID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[accountID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		e := *all[i]
		out = append(out, &e)
	}
	return out, nil
}

// Watch streams committed writes to an account
func (s *MemoryStore) Watch(ctx context.Context, id string) (<-chan *Account, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.notifier.Subscribe(ctx, id)
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() {}

// RunTransaction runs fn against a staging view and commits if no account it
// touched changed version in the meantime.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:     s,
		reads:     make(map[string]int64),
		writes:    make(map[string]*Account),
		referrals: make(map[string]*Referral),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}

	s.mu.Lock()
	for id, version := range tx.reads {
		current, ok := s.accounts[id]
		if !ok || current.Version != version {
			s.mu.Unlock()
			return fmt.Errorf("account %s: %w", id, ErrConflict)
		}
	}
	for id, staged := range tx.writes {
		current, ok := s.accounts[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		if current.Version != staged.Version {
			s.mu.Unlock()
			return fmt.Errorf("account %s: %w", id, ErrConflict)
		}
	}

	published := make([]*Account, 0, len(tx.writes))
	for id, staged := range tx.writes {
		stored := staged.Clone()
		stored.Version = s.accounts[id].Version + 1
		// ReferredBy and ReferralCode never change after creation.
		stored.ReferredBy = s.accounts[id].Clone().ReferredBy
		stored.ReferralCode = s.accounts[id].ReferralCode
		s.accounts[id] = stored
		staged.Version = stored.Version
		published = append(published, stored.Clone())
	}
	for _, ref := range tx.referrals {
		if s.referrals[ref.ReferrerID] == nil {
			s.referrals[ref.ReferrerID] = make(map[string]*Referral)
		}
		r := *ref
		s.referrals[ref.ReferrerID][ref.ReferredID] = &r
	}
	for _, e := range tx.entries {
		entry := *e
		s.entries[e.AccountID] = append(s.entries[e.AccountID], &entry)
	}
	s.mu.Unlock()

	for _, acct := range published {
		s.notifier.Publish(ctx, acct)
	}
	return nil
}

type memoryTx struct {
	store     *MemoryStore
	reads     map[string]int64
	writes    map[string]*Account
	referrals map[string]*Referral
	entries   []*Entry
}

func referralKey(referrerID, referredID string) string {
	return referrerID + "/" + referredID
}

func (tx *memoryTx) GetAccount(ctx context.Context, id string) (*Account, error) {
	if staged, ok := tx.writes[id]; ok {
		return staged.Clone(), nil
	}
	acct, err := tx.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, seen := tx.reads[id]; !seen {
		tx.reads[id] = acct.Version
	}
	return acct, nil
}

func (tx *memoryTx) PutAccount(_ context.Context, acct *Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("put account: missing id")
	}
	if version, ok := tx.reads[acct.ID]; ok && version != acct.Version {
		return fmt.Errorf("account %s: %w", acct.ID, ErrConflict)
	}
	tx.writes[acct.ID] = acct
	return nil
}

func (tx *memoryTx) GetReferral(_ context.Context, referrerID, referredID string) (*Referral, error) {
	if staged, ok := tx.referrals[referralKey(referrerID, referredID)]; ok {
		r := *staged
		return &r, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()

	ref, ok := tx.store.referrals[referrerID][referredID]
	if !ok {
		return nil, fmt.Errorf("referral %s: %w", referralKey(referrerID, referredID), ErrNotFound)
	}
	r := *ref
	return &r, nil
}

func (tx *memoryTx) UpsertReferral(_ context.Context, ref *Referral) error {
	r := *ref
	tx.referrals[referralKey(ref.ReferrerID, ref.ReferredID)] = &r
	return nil
}

func (tx *memoryTx) AppendEntry(_ context.Context, entry *Entry) error {
	e := *entry
	tx.entries = append(tx.entries, &e)
	return nil
}
