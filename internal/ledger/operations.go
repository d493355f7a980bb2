package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/accrual"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/metrics"
)

// Deposit settles the account, adds amount to principal and recomputes its
// tier. If the account was referred, the referrer is credited in the same
// transaction.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (*Receipt, error) {
	if !amount.IsPositive() {
		metrics.RecordOperation("deposit", string(KindInvalidAmount))
		return nil, newError(KindInvalidAmount, fmt.Sprintf("deposit amount must be positive, got %s", amount), nil)
	}
	if amount.LessThan(s.policy.MinDeposit) {
		metrics.RecordOperation("deposit", string(KindInvalidAmount))
		return nil, newError(KindInvalidAmount, fmt.Sprintf("deposit amount %s is below the minimum of %s", amount, s.policy.MinDeposit), nil)
	}

	var receipt *Receipt
	attempts, err := s.runTx(ctx, "deposit", func(ctx context.Context, tx database.Tx) error {
		now := s.now()
		acct, err := loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		r := &Receipt{Amount: amount, PreviousTier: acct.TierName, Fee: decimal.Zero, ReferralBonus: decimal.Zero}
		res, err := s.settleAndJournal(ctx, tx, acct, now)
		if err != nil {
			return err
		}
		r.Accrued, r.Elapsed = res.Accrued, res.Elapsed

		acct.Principal = acct.Principal.Add(amount)
		acct.TierName = s.tiers.Resolve(acct.Principal).Name
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, newEntry(acct, database.EntryDeposit, amount, decimal.Zero, "", now)); err != nil {
			return err
		}

		if acct.ReferredBy != nil {
			if err := s.creditReferrer(ctx, tx, acct, amount, now, r); err != nil {
				return err
			}
		}

		r.Account = acct
		receipt = r
		return nil
	})
	metrics.RecordOperation("deposit", outcome(err))
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Str("amount", amount.String()).Msg("deposit failed")
		return nil, err
	}
	receipt.Attempts = attempts

	s.logger.Info().
		Str("account_id", accountID).
		Str("amount", amount.String()).
		Str("principal", receipt.Account.Principal.String()).
		Str("tier", receipt.Account.TierName).
		Int("attempts", attempts).
		Msg("deposit applied")
	s.afterDeposit(receipt)
	return receipt, nil
}

func (s *Service) afterDeposit(r *Receipt) {
	s.afterCommit(r)
	if r.ReferralSkipped {
		s.logger.Warn().
			Str("account_id", r.Account.ID).
			Str("referred_by", *r.Account.ReferredBy).
			Msg("referrer missing, referral bonus skipped")
	}
	if s.events == nil {
		return
	}
	s.events.PublishDeposit(r.Account.ID, r.Amount.String(), r.Account.Principal.String(), r.Account.TierName)
	if r.ReferrerID != "" && r.ReferralBonus.IsPositive() {
		s.events.PublishReferralBonus(r.ReferrerID, r.Account.ID, r.ReferralBonus.String())
	}
}

// Withdraw settles the account and removes amount plus the withdrawal fee,
// taking earnings first and principal second.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (*Receipt, error) {
	if !amount.IsPositive() {
		metrics.RecordOperation("withdraw", string(KindInvalidAmount))
		return nil, newError(KindInvalidAmount, fmt.Sprintf("withdrawal amount must be positive, got %s", amount), nil)
	}
	if amount.LessThan(s.policy.MinWithdrawal) {
		metrics.RecordOperation("withdraw", string(KindBelowMinimumWithdrawal))
		return nil, newError(KindBelowMinimumWithdrawal,
			fmt.Sprintf("withdrawal amount %s is below the minimum of %s", amount, s.policy.MinWithdrawal), nil)
	}

	fee := amount.Mul(s.policy.WithdrawalFeeRate)
	total := amount.Add(fee)

	var receipt *Receipt
	attempts, err := s.runTx(ctx, "withdraw", func(ctx context.Context, tx database.Tx) error {
		now := s.now()
		acct, err := loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		r := &Receipt{Amount: amount, Fee: fee, TotalDeduction: total, PreviousTier: acct.TierName, ReferralBonus: decimal.Zero}
		res, err := s.settleAndJournal(ctx, tx, acct, now)
		if err != nil {
			return err
		}
		r.Accrued, r.Elapsed = res.Accrued, res.Elapsed

		if available := acct.Total(); total.GreaterThan(available) {
			return newError(KindInsufficientFunds,
				fmt.Sprintf("withdrawal of %s plus fee %s exceeds available balance %s", amount, fee, available), nil)
		}

		r.FromEarnings = decimal.Min(total, acct.EarningsBalance)
		r.FromPrincipal = total.Sub(r.FromEarnings)
		acct.EarningsBalance = acct.EarningsBalance.Sub(r.FromEarnings)
		acct.Principal = acct.Principal.Sub(r.FromPrincipal)
		acct.TierName = s.tiers.Resolve(acct.Principal).Name
		acct.UpdatedAt = now

		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, newEntry(acct, database.EntryWithdrawal, amount, fee, "", now)); err != nil {
			return err
		}

		r.Account = acct
		receipt = r
		return nil
	})
	metrics.RecordOperation("withdraw", outcome(err))
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Str("amount", amount.String()).Msg("withdrawal rejected")
		return nil, err
	}
	receipt.Attempts = attempts

	s.logger.Info().
		Str("account_id", accountID).
		Str("amount", amount.String()).
		Str("fee", fee.String()).
		Str("from_earnings", receipt.FromEarnings.String()).
		Str("from_principal", receipt.FromPrincipal.String()).
		Str("tier", receipt.Account.TierName).
		Msg("withdrawal applied")
	s.afterCommit(receipt)
	if s.events != nil {
		s.events.PublishWithdrawal(accountID, amount.String(), fee.String(),
			receipt.Account.Principal.String(), receipt.Account.EarningsBalance.String(), receipt.Account.TierName)
	}
	return receipt, nil
}

// Settle credits accrued interest to the account and persists it.
func (s *Service) Settle(ctx context.Context, accountID string) (*Receipt, error) {
	return s.settle(ctx, accountID, s.now)
}

// SettleAt settles the account as of asOf instead of the service clock. An
// asOf later than the clock is capped to the clock, so interest is never
// credited ahead of time.
func (s *Service) SettleAt(ctx context.Context, accountID string, asOf time.Time) (*Receipt, error) {
	return s.settle(ctx, accountID, func() time.Time {
		if now := s.now(); asOf.After(now) {
			return now
		}
		return asOf
	})
}

func (s *Service) settle(ctx context.Context, accountID string, clock func() time.Time) (*Receipt, error) {
	var receipt *Receipt
	attempts, err := s.runTx(ctx, "settle", func(ctx context.Context, tx database.Tx) error {
		now := clock()
		acct, err := loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		r := &Receipt{PreviousTier: acct.TierName, Amount: decimal.Zero, Fee: decimal.Zero, ReferralBonus: decimal.Zero}
		res, err := s.settleAndJournal(ctx, tx, acct, now)
		if err != nil {
			return err
		}
		r.Accrued, r.Elapsed = res.Accrued, res.Elapsed
		acct.UpdatedAt = now

		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		r.Account = acct
		receipt = r
		return nil
	})
	metrics.RecordOperation("settle", outcome(err))
	if err != nil {
		return nil, err
	}
	receipt.Attempts = attempts

	s.logger.Debug().
		Str("account_id", accountID).
		Str("accrued", receipt.Accrued.String()).
		Dur("elapsed", receipt.Elapsed).
		Msg("earnings settled")
	s.afterCommit(receipt)
	return receipt, nil
}

// SetAutoCompound settles the account under the current setting, then
// switches compounding on or off.
func (s *Service) SetAutoCompound(ctx context.Context, accountID string, enabled bool) (*Receipt, error) {
	var receipt *Receipt
	attempts, err := s.runTx(ctx, "auto_compound", func(ctx context.Context, tx database.Tx) error {
		now := s.now()
		acct, err := loadAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}

		r := &Receipt{PreviousTier: acct.TierName, Amount: decimal.Zero, Fee: decimal.Zero, ReferralBonus: decimal.Zero}
		res, err := s.settleAndJournal(ctx, tx, acct, now)
		if err != nil {
			return err
		}
		r.Accrued, r.Elapsed = res.Accrued, res.Elapsed
		acct.AutoCompound = enabled
		acct.UpdatedAt = now

		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		r.Account = acct
		receipt = r
		return nil
	})
	metrics.RecordOperation("auto_compound", outcome(err))
	if err != nil {
		return nil, err
	}
	receipt.Attempts = attempts

	s.logger.Info().Str("account_id", accountID).Bool("auto_compound", enabled).Msg("auto-compound updated")
	s.afterCommit(receipt)
	if s.events != nil {
		s.events.Publish(events.Event{
			Type:      events.EventAutoCompoundToggled,
			AccountID: accountID,
			Timestamp: s.now(),
			Data:      map[string]interface{}{"enabled": enabled},
		})
	}
	return receipt, nil
}

// GetAccount returns the stored account without settling it
func (s *Service) GetAccount(ctx context.Context, accountID string) (*database.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, newError(KindAccountNotFound, fmt.Sprintf("account %s not found", accountID), nil)
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Preview projects the account's earnings to now without persisting anything
func (s *Service) Preview(ctx context.Context, accountID string) (*accrual.Projection, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p := accrual.NewProjector(s.tiers, stateOf(acct)).Project(s.now())
	return &p, nil
}

// Projector returns a live projector seeded with the stored account
func (s *Service) Projector(ctx context.Context, accountID string) (*accrual.Projector, error) {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return accrual.NewProjector(s.tiers, stateOf(acct)), nil
}

// StateOf exposes the accrual view of an account
func StateOf(acct *database.Account) accrual.State {
	return stateOf(acct)
}

// ListReferrals returns the accounts referred by accountID
func (s *Service) ListReferrals(ctx context.Context, accountID string) ([]*database.Referral, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListReferrals(ctx, accountID)
}

// ListEntries returns the newest journal entries of an account
func (s *Service) ListEntries(ctx context.Context, accountID string, limit int) ([]*database.Entry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, accountID, limit)
}
