package auth

import (
	"time"
)

// UserClaims represents the JWT claims for a member
type UserClaims struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// RegisterRequest represents a member registration request
type RegisterRequest struct {
	Email        string `json:"email" binding:"required,email"`
	Password     string `json:"password" binding:"required"`
	ReferralCode string `json:"referral_code,omitempty"`
	AutoCompound *bool  `json:"auto_compound,omitempty"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse is returned by register and login
type LoginResponse struct {
	User        UserResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"` // Always "Bearer"
	ExpiresIn   int64        `json:"expires_in"` // Access token expiry in seconds
}

// UserResponse represents member data returned to the client
type UserResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	ReferralCode string    `json:"referral_code"`
	Tier         string    `json:"tier"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config holds authentication configuration
type Config struct {
	JWTSecret           string
	AccessTokenDuration time.Duration
	MinPasswordLength   int
	// BcryptCost defaults to DefaultBcryptCost
	BcryptCost int
}

// AuthError is an authentication failure with a stable code
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid email or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrWeakPassword       = AuthError{Code: "WEAK_PASSWORD", Message: "password does not meet requirements"}
	ErrInvalidRole        = AuthError{Code: "INVALID_ROLE", Message: "role must be user or admin"}
	ErrAccountNotFound    = AuthError{Code: "ACCOUNT_NOT_FOUND", Message: "account not found"}
	ErrPrimaryAdmin       = AuthError{Code: "PRIMARY_ADMIN", Message: "the primary admin's role cannot be changed"}
)
