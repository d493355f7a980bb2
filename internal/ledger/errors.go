package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies ledger failures
type Kind string

const (
	KindInvalidAmount          Kind = "INVALID_AMOUNT"
	KindInsufficientFunds      Kind = "INSUFFICIENT_FUNDS"
	KindBelowMinimumWithdrawal Kind = "BELOW_MINIMUM_WITHDRAWAL"
	KindAccountNotFound        Kind = "ACCOUNT_NOT_FOUND"
	KindTransactionConflict    Kind = "TRANSACTION_CONFLICT"
	KindAccountExists          Kind = "ACCOUNT_EXISTS"
	KindReferrerNotFound       Kind = "REFERRER_NOT_FOUND"
	KindInvalidInput           Kind = "INVALID_INPUT"
)

// Error is a ledger failure. errors.Is matches on Kind, so callers can test
// against the sentinel values below.
type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ledger error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel errors for errors.Is
var (
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount, Message: "amount must be positive"}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrBelowMinimumWithdrawal = &Error{Kind: KindBelowMinimumWithdrawal, Message: "amount is below the minimum withdrawal"}
	ErrAccountNotFound        = &Error{Kind: KindAccountNotFound, Message: "account not found"}
	ErrTransactionConflict    = &Error{Kind: KindTransactionConflict, Message: "transaction conflict, retries exhausted"}
	ErrAccountExists          = &Error{Kind: KindAccountExists, Message: "account already exists"}
	ErrReferrerNotFound       = &Error{Kind: KindReferrerNotFound, Message: "referrer not found"}
	ErrInvalidInput           = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the ledger kind from err, or "" if err is not a ledger error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
