package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/logging"
)

// Registrar creates ledger accounts. ledger.Service implements it.
type Registrar interface {
	Register(ctx context.Context, in ledger.RegisterInput) (*database.Account, error)
}

// CredentialStore reads and updates member credentials. database.Store
// implements it.
type CredentialStore interface {
	GetAccount(ctx context.Context, id string) (*database.Account, error)
	GetCredential(ctx context.Context, accountID string) (*database.Credential, error)
	GetCredentialByEmail(ctx context.Context, email string) (*database.Credential, error)
	SetRole(ctx context.Context, accountID, role string) (*database.Credential, error)
}

// Service handles authentication operations
type Service struct {
	store           CredentialStore
	registrar       Registrar
	jwtManager      *JWTManager
	passwordManager *PasswordManager
	logger          *logging.Logger

	// primaryAdmin is the seeded admin email; its role is fixed
	primaryAdmin string
}

// NewService creates a new authentication service
func NewService(store CredentialStore, registrar Registrar, cfg Config) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &Service{
		store:           store,
		registrar:       registrar,
		jwtManager:      NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration),
		passwordManager: NewPasswordManager(cfg.BcryptCost, cfg.MinPasswordLength),
		logger:          logging.WithComponent("auth"),
	}, nil
}

// GetJWTManager returns the JWT manager for use in middleware
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// Register creates a member account in the zero tier and logs it in
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*LoginResponse, error) {
	hash, err := s.passwordManager.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	acct, err := s.registrar.Register(ctx, ledger.RegisterInput{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         database.RoleUser,
		ReferralCode: req.ReferralCode,
		AutoCompound: req.AutoCompound,
	})
	if err != nil {
		return nil, err
	}

	cred := &database.Credential{
		AccountID: acct.ID,
		Email:     strings.ToLower(strings.TrimSpace(req.Email)),
		Role:      database.RoleUser,
		CreatedAt: acct.CreatedAt,
	}
	return s.issue(acct, cred)
}

// Login authenticates a member and returns an access token
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	cred, err := s.store.GetCredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.logger.Debug("login for unknown email", "email", email)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if !s.passwordManager.VerifyPassword(req.Password, cred.PasswordHash) {
		s.logger.Debug("password verification failed", "account_id", cred.AccountID)
		return nil, ErrInvalidCredentials
	}

	acct, err := s.store.GetAccount(ctx, cred.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	s.logger.Info("member logged in", "account_id", acct.ID)
	return s.issue(acct, cred)
}

// SetRole promotes or demotes a member. The primary admin cannot be changed.
// Tokens already issued keep their old claims until they expire.
func (s *Service) SetRole(ctx context.Context, accountID, role string) (*database.Credential, error) {
	if role != database.RoleUser && role != database.RoleAdmin {
		return nil, ErrInvalidRole
	}

	cred, err := s.store.GetCredential(ctx, accountID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if s.primaryAdmin != "" && cred.Email == s.primaryAdmin {
		return nil, ErrPrimaryAdmin
	}
	if cred.Role == role {
		return cred, nil
	}

	updated, err := s.store.SetRole(ctx, accountID, role)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	s.logger.Info("member role changed", "account_id", accountID, "from", cred.Role, "to", role)
	return updated, nil
}

func (s *Service) issue(acct *database.Account, cred *database.Credential) (*LoginResponse, error) {
	token, err := s.jwtManager.GenerateAccessToken(UserClaims{
		UserID:  acct.ID,
		Email:   cred.Email,
		IsAdmin: cred.IsAdmin(),
	})
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		User: UserResponse{
			ID:           acct.ID,
			Email:        cred.Email,
			ReferralCode: acct.ReferralCode,
			Tier:         acct.TierName,
			IsAdmin:      cred.IsAdmin(),
			CreatedAt:    acct.CreatedAt,
		},
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   s.jwtManager.GetAccessTokenDuration(),
	}, nil
}
