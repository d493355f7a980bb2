package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the PostgreSQL Store. Account rows carry a version column
// that every write compares and bumps.
type Repository struct {
	db       *DB
	notifier Notifier
}

// NewRepository creates a new repository. A nil notifier uses a LocalNotifier.
func NewRepository(db *DB, notifier Notifier) *Repository {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &Repository{db: db, notifier: notifier}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close closes the pool
func (r *Repository) Close() {
	r.db.Close()
}

// querier is satisfied by both the pool and a transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, principal, earnings_balance, tier_name, last_settled_at, referred_by,
	auto_compound, referral_code, version, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	acct := &Account{}
	err := row.Scan(
		&acct.ID, &acct.Principal, &acct.EarningsBalance, &acct.TierName, &acct.LastSettledAt,
		&acct.ReferredBy, &acct.AutoCompound, &acct.ReferralCode, &acct.Version,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func getAccount(ctx context.Context, q querier, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	acct, err := scanAccount(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccount retrieves an account by id
func (r *Repository) GetAccount(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, r.db.Pool, id)
}

// CreateAccount inserts the account and its credential in one transaction
func (r *Repository) CreateAccount(ctx context.Context, acct *Account, cred *Credential) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (id, principal, earnings_balance, tier_name, last_settled_at, referred_by,
			auto_compound, referral_code, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
		acct.ID, acct.Principal, acct.EarningsBalance, acct.TierName, acct.LastSettledAt, acct.ReferredBy,
		acct.AutoCompound, acct.ReferralCode, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Sprintf("account %s", acct.ID), err)
	}

	if cred != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO credentials (account_id, email, password_hash, role, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			acct.ID, strings.ToLower(cred.Email), cred.PasswordHash, cred.Role, cred.CreatedAt,
		)
		if err != nil {
			return mapError(fmt.Sprintf("email %s", cred.Email), err)
		}
	}

	if ref := newReferral(acct); ref != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO referrals (referrer_id, referred_id, cumulative_deposit, bonus_paid, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ref.ReferrerID, ref.ReferredID, ref.CumulativeDeposit, ref.BonusPaid, ref.CreatedAt, ref.UpdatedAt,
		)
		if err != nil {
			return mapError(fmt.Sprintf("referral %s/%s", ref.ReferrerID, ref.ReferredID), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError("create account", err)
	}
	acct.Version = 1
	r.notifier.Publish(ctx, acct.Clone())
	return nil
}

// FindByReferralCode looks up the account owning a referral code
func (r *Repository) FindByReferralCode(ctx context.Context, code string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE referral_code = $1`
	acct, err := scanAccount(r.db.Pool.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("referral code %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral code: %w", err)
	}
	return acct, nil
}

// SetRole changes the role on an account's credential
func (r *Repository) SetRole(ctx context.Context, accountID, role string) (*Credential, error) {
	cred := &Credential{}
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE credentials SET role = $2 WHERE account_id = $1
		RETURNING account_id, email, password_hash, role, created_at`,
		accountID, role,
	).Scan(&cred.AccountID, &cred.Email, &cred.PasswordHash, &cred.Role, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set role: %w", err)
	}
	return cred, nil
}

func (r *Repository) getCredential(ctx context.Context, where string, arg string) (*Credential, error) {
	cred := &Credential{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT account_id, email, password_hash, role, created_at FROM credentials WHERE `+where, arg,
	).Scan(&cred.AccountID, &cred.Email, &cred.PasswordHash, &cred.Role, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetCredential returns the credential for an account
func (r *Repository) GetCredential(ctx context.Context, accountID string) (*Credential, error) {
	return r.getCredential(ctx, "account_id = $1", accountID)
}

// GetCredentialByEmail returns the credential registered under email
func (r *Repository) GetCredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	return r.getCredential(ctx, "LOWER(email) = LOWER($1)", email)
}

// ListAccounts returns every account ordered by id
func (r *Repository) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// ListReferrals returns the referral records of a referrer
func (r *Repository) ListReferrals(ctx context.Context, referrerID string) ([]*Referral, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT referrer_id, referred_id, cumulative_deposit, bonus_paid, created_at, updated_at
		FROM referrals WHERE referrer_id = $1 ORDER BY referred_id`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var refs []*Referral
	for rows.Next() {
		ref := &Referral{}
		if err := rows.Scan(&ref.ReferrerID, &ref.ReferredID, &ref.CumulativeDeposit, &ref.BonusPaid,
			&ref.CreatedAt, &ref.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListEntries returns the newest journal entries first. limit <= 0 returns all.
func (r *Repository) ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, account_id, entry_type, amount, fee, principal_after, earnings_after,
		       COALESCE(reference, ''), created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC, id`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var entryType string
		if err := rows.Scan(&e.ID, &e.AccountID, &entryType, &e.Amount, &e.Fee, &e.PrincipalAfter,
			&e.EarningsAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Type = EntryType(entryType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Watch streams committed writes to an account
func (r *Repository) Watch(ctx context.Context, id string) (<-chan *Account, error) {
	if _, err := r.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return r.notifier.Subscribe(ctx, id)
}

// RunTransaction runs fn in a REPEATABLE READ transaction. Account writes
// are guarded by the version column.
func (r *Repository) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	tx := &pgTxView{tx: pgTx, written: make(map[string]*Account)}
	if err := fn(ctx, tx); err != nil {
		return mapError("transaction", err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}

	for _, acct := range tx.written {
		r.notifier.Publish(ctx, acct.Clone())
	}
	return nil
}

type pgTxView struct {
	tx      pgx.Tx
	written map[string]*Account
}

func (v *pgTxView) GetAccount(ctx context.Context, id string) (*Account, error) {
	return getAccount(ctx, v.tx, id)
}

func (v *pgTxView) PutAccount(ctx context.Context, acct *Account) error {
	tag, err := v.tx.Exec(ctx, `
		UPDATE accounts
		SET principal = $3, earnings_balance = $4, tier_name = $5, last_settled_at = $6,
		    auto_compound = $7, updated_at = $8, version = version + 1
		WHERE id = $1 AND version = $2`,
		acct.ID, acct.Version, acct.Principal, acct.EarningsBalance, acct.TierName, acct.LastSettledAt,
		acct.AutoCompound, acct.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Sprintf("account %s", acct.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", acct.ID, ErrConflict)
	}
	acct.Version++
	v.written[acct.ID] = acct
	return nil
}

func (v *pgTxView) GetReferral(ctx context.Context, referrerID, referredID string) (*Referral, error) {
	ref := &Referral{}
	err := v.tx.QueryRow(ctx, `
		SELECT referrer_id, referred_id, cumulative_deposit, bonus_paid, created_at, updated_at
		FROM referrals WHERE referrer_id = $1 AND referred_id = $2`, referrerID, referredID,
	).Scan(&ref.ReferrerID, &ref.ReferredID, &ref.CumulativeDeposit, &ref.BonusPaid, &ref.CreatedAt, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("referral %s/%s: %w", referrerID, referredID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return ref, nil
}

func (v *pgTxView) UpsertReferral(ctx context.Context, ref *Referral) error {
	_, err := v.tx.Exec(ctx, `
		INSERT INTO referrals (referrer_id, referred_id, cumulative_deposit, bonus_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (referrer_id, referred_id) DO UPDATE
		SET cumulative_deposit = EXCLUDED.cumulative_deposit,
		    bonus_paid = EXCLUDED.bonus_paid,
		    updated_at = EXCLUDED.updated_at`,
		ref.ReferrerID, ref.ReferredID, ref.CumulativeDeposit, ref.BonusPaid, ref.CreatedAt, ref.UpdatedAt,
	)
	if err != nil {
		return mapError("upsert referral", err)
	}
	return nil
}

func (v *pgTxView) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := v.tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, entry_type, amount, fee, principal_after, earnings_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		e.ID, e.AccountID, string(e.Type), e.Amount, e.Fee, e.PrincipalAfter, e.EarningsAfter, e.Reference, e.CreatedAt,
	)
	if err != nil {
		return mapError("append entry", err)
	}
	return nil
}

// PostgreSQL error codes the store translates
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// mapError translates driver errors into the store's sentinel errors
func mapError(what string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%s: %w", what, ErrConflict)
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		}
	}
	return err
}
