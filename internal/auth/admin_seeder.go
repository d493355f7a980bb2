package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
)

// SeedAdmin ensures an admin member exists for email and marks it as the
// primary admin. An existing account is left alone; a non-admin one is only
// reported.
func (s *Service) SeedAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}

	cred, err := s.store.GetCredentialByEmail(ctx, email)
	switch {
	case err == nil:
		if !cred.IsAdmin() {
			s.logger.Warn("admin email belongs to a regular member, not promoting", "email", email)
			return nil
		}
		s.primaryAdmin = email
		s.logger.Info("admin member exists", "account_id", cred.AccountID)
		return nil
	case !errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("failed to check for admin: %w", err)
	}

	hash, err := s.passwordManager.HashPassword(password)
	if err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	acct, err := s.registrar.Register(ctx, ledger.RegisterInput{
		Email:        email,
		PasswordHash: hash,
		Role:         database.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	s.primaryAdmin = email
	s.logger.Info("admin member created", "account_id", acct.ID, "email", email)
	return nil
}
