package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/database"
)

// creditReferrer pays the referral bonus for a deposit by referred. The
// referrer is settled first so the bonus starts earning from now, not from
// their last settlement. A referrer that no longer exists is skipped.
func (s *Service) creditReferrer(ctx context.Context, tx database.Tx, referred *database.Account, amount decimal.Decimal, now time.Time, r *Receipt) error {
	referrerID := *referred.ReferredBy
	if referrerID == referred.ID {
		r.ReferralSkipped = true
		return nil
	}

	referrer, err := tx.GetAccount(ctx, referrerID)
	if errors.Is(err, database.ErrNotFound) {
		r.ReferralSkipped = true
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.settleAndJournal(ctx, tx, referrer, now); err != nil {
		return err
	}

	bonus := amount.Mul(s.policy.ReferralBonusRate)
	referrer.EarningsBalance = referrer.EarningsBalance.Add(bonus)
	referrer.UpdatedAt = now
	if err := tx.PutAccount(ctx, referrer); err != nil {
		return err
	}
	if bonus.IsPositive() {
		if err := tx.AppendEntry(ctx, newEntry(referrer, database.EntryReferralBonus, bonus, decimal.Zero, referred.ID, now)); err != nil {
			return err
		}
	}

	ref, err := tx.GetReferral(ctx, referrerID, referred.ID)
	if errors.Is(err, database.ErrNotFound) {
		ref = &database.Referral{
			ReferrerID:        referrerID,
			ReferredID:        referred.ID,
			CumulativeDeposit: decimal.Zero,
			BonusPaid:         decimal.Zero,
			CreatedAt:         now,
		}
	} else if err != nil {
		return err
	}
	ref.CumulativeDeposit = ref.CumulativeDeposit.Add(amount)
	ref.BonusPaid = ref.BonusPaid.Add(bonus)
	ref.UpdatedAt = now
	if err := tx.UpsertReferral(ctx, ref); err != nil {
		return err
	}

	r.ReferrerID = referrerID
	r.ReferralBonus = bonus
	return nil
}
