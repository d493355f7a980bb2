package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/metrics"
)

const (
	referralCodeLength   = 6
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeAttempts = 10
)

// RegisterInput describes a new member
type RegisterInput struct {
	// AccountID is optional; a UUID is generated when empty.
	AccountID    string
	Email        string
	PasswordHash string
	Role         string
	// ReferralCode is the code of the member who referred this one.
	ReferralCode string
	// AutoCompound defaults to true when nil.
	AutoCompound *bool
}

// Register creates an account in the zero tier together with its credential.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*database.Account, error) {
	acct, err := s.register(ctx, in)
	metrics.RecordOperation("register", outcome(err))
	if err != nil {
		s.logger.Warn().Err(err).Str("email", in.Email).Msg("registration rejected")
		return nil, err
	}

	s.logger.Info().
		Str("account_id", acct.ID).
		Str("referral_code", acct.ReferralCode).
		Bool("referred", acct.ReferredBy != nil).
		Msg("account registered")
	if s.events != nil {
		data := map[string]interface{}{
			"referral_code": acct.ReferralCode,
			"tier":          acct.TierName,
		}
		if acct.ReferredBy != nil {
			data["referred_by"] = *acct.ReferredBy
		}
		s.events.Publish(events.Event{
			Type:      events.EventAccountRegistered,
			AccountID: acct.ID,
			Timestamp: s.now(),
			Data:      data,
		})
	}
	return acct, nil
}

func (s *Service) register(ctx context.Context, in RegisterInput) (*database.Account, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, newError(KindInvalidInput, "email is required", nil)
	}

	if _, err := s.store.GetCredentialByEmail(ctx, email); err == nil {
		return nil, newError(KindAccountExists, fmt.Sprintf("email %s is already registered", email), nil)
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	var referredBy *string
	if code := strings.ToUpper(strings.TrimSpace(in.ReferralCode)); code != "" {
		referrer, err := s.store.FindByReferralCode(ctx, code)
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindReferrerNotFound, fmt.Sprintf("referral code %s does not exist", code), nil)
		}
		if err != nil {
			return nil, err
		}
		referredBy = &referrer.ID
	}

	id := in.AccountID
	if id == "" {
		id = uuid.New().String()
	}
	role := in.Role
	if role == "" {
		role = database.RoleUser
	}
	autoCompound := true
	if in.AutoCompound != nil {
		autoCompound = *in.AutoCompound
	}

	now := s.now()
	cred := &database.Credential{
		AccountID:    id,
		Email:        email,
		PasswordHash: in.PasswordHash,
		Role:         role,
		CreatedAt:    now,
	}

	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		code, err := newReferralCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate referral code: %w", err)
		}
		acct := &database.Account{
			ID:              id,
			Principal:       decimal.Zero,
			EarningsBalance: decimal.Zero,
			TierName:        s.tiers.ZeroTier().Name,
			LastSettledAt:   now,
			ReferredBy:      referredBy,
			AutoCompound:    autoCompound,
			ReferralCode:    code,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err = s.store.CreateAccount(ctx, acct, cred)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, database.ErrAlreadyExists) {
			return nil, err
		}
		// The id or email may have been taken concurrently; only a code
		// collision is worth another try.
		if taken, lookupErr := s.store.FindByReferralCode(ctx, code); lookupErr != nil || taken.ID == id {
			return nil, newError(KindAccountExists, fmt.Sprintf("account %s already exists", id), err)
		}
	}
	return nil, fmt.Errorf("failed to allocate a unique referral code after %d attempts", referralCodeAttempts)
}

func newReferralCode() (string, error) {
	var b strings.Builder
	n := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := 0; i < referralCodeLength; i++ {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b.WriteByte(referralCodeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
