package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
)

// RetryConfig defines how a single account settlement is retried inside a batch
type RetryConfig struct {
	MaxRetries    int
	BackoffDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    2,
		BackoffDelays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond},
	}
}

func (c *RetryConfig) delay(attempt int) time.Duration {
	if len(c.BackoffDelays) == 0 {
		return 0
	}
	idx := attempt
	if idx >= len(c.BackoffDelays) {
		idx = len(c.BackoffDelays) - 1
	}
	return c.BackoffDelays[idx]
}

// ErrorClassifier decides whether a failed settlement is worth retrying
type ErrorClassifier struct{}

// IsRetryable determines if an error should trigger a retry
func (c *ErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, database.ErrNotFound):
		return false
	case errors.Is(err, ledger.ErrTransactionConflict), errors.Is(err, database.ErrConflict):
		return true
	}
	if ledger.KindOf(err) != "" {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"deadlock",
		"lock timeout",
		"serialization failure",
		"too many connections",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
