package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/metrics"
)

// BatchConfig holds configuration for batch settlement
type BatchConfig struct {
	// MaxConcurrent is the maximum number of accounts settled at once
	MaxConcurrent int

	// AccountTimeout bounds a single account's settlement including retries
	AccountTimeout time.Duration

	Retry *RetryConfig
}

// DefaultBatchConfig returns default batch configuration
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		MaxConcurrent:  8,
		AccountTimeout: 30 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// BatchSettler settles every stale account. One account failing never stops
// the others.
type BatchSettler struct {
	accounts   AccountLister
	settler    AccountSettler
	config     *BatchConfig
	classifier *ErrorClassifier
	events     *events.EventBus
	logger     zerolog.Logger
}

// NewBatchSettler creates a batch settler
func NewBatchSettler(accounts AccountLister, settler AccountSettler, config *BatchConfig, bus *events.EventBus, logger zerolog.Logger) *BatchSettler {
	if config == nil {
		config = DefaultBatchConfig()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.Retry == nil {
		config.Retry = DefaultRetryConfig()
	}
	return &BatchSettler{
		accounts:   accounts,
		settler:    settler,
		config:     config,
		classifier: &ErrorClassifier{},
		events:     bus,
		logger:     logger.With().Str("component", "batch_settlement").Logger(),
	}
}

// IsStale reports whether acct has gone more than threshold without settling
func IsStale(acct *database.Account, now time.Time, threshold time.Duration) bool {
	return now.Sub(acct.LastSettledAt) > threshold
}

// SettleAllStale settles every account whose last settlement is older than
// threshold at now, crediting interest up to now. Per-account failures are collected in the result; the
// returned error is set only when the account list cannot be read.
func (b *BatchSettler) SettleAllStale(ctx context.Context, now time.Time, threshold time.Duration) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{
		RunID:     uuid.New().String(),
		StartedAt: start,
		AsOf:      now,
		Threshold: threshold,
		Accrued:   decimal.Zero,
		Failures:  []Failure{},
	}
	logger := b.logger.With().Str("run_id", result.RunID).Logger()

	accounts, err := b.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	result.Scanned = len(accounts)

	var stale []string
	for _, acct := range accounts {
		if IsStale(acct, now, threshold) {
			stale = append(stale, acct.ID)
		} else {
			result.Skipped++
		}
	}

	logger.Info().
		Int("scanned", result.Scanned).
		Int("stale", len(stale)).
		Dur("threshold", threshold).
		Msg("batch settlement started")

	var mu sync.Mutex
	semaphore := make(chan struct{}, b.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, id := range stale {
		if ctx.Err() != nil {
			mu.Lock()
			result.Failures = append(result.Failures, Failure{
				AccountID: id,
				Error:     ctx.Err().Error(),
				Timestamp: time.Now(),
			})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(accountID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			accrued, attempts, err := b.settleOne(ctx, accountID, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f := Failure{
					AccountID: accountID,
					Attempts:  attempts,
					Error:     err.Error(),
					Retryable: b.classifier.IsRetryable(err),
					Timestamp: time.Now(),
				}
				result.Failures = append(result.Failures, f)
				logger.Error().Err(err).Str("account_id", accountID).Int("attempts", attempts).Msg("account settlement failed")
				return
			}
			result.Settled++
			result.Accrued = result.Accrued.Add(accrued)
		}(id)
	}
	wg.Wait()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(start)

	metrics.RecordBatch(result.Settled, result.Failed(), result.Skipped, result.Duration)
	if b.events != nil {
		b.events.PublishBatchComplete(result.RunID, result.Scanned, result.Settled, result.Failed(), result.Duration)
	}

	event := logger.Info()
	if result.Failed() > 0 {
		event = logger.Warn()
	}
	event.
		Int("scanned", result.Scanned).
		Int("settled", result.Settled).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed()).
		Str("accrued", result.Accrued.String()).
		Dur("duration", result.Duration).
		Msg("batch settlement completed")

	return result, nil
}

// settleOne settles a single account with retries. A panic is turned into an
// error so the batch carries on.
func (b *BatchSettler) settleOne(ctx context.Context, accountID string, asOf time.Time) (accrued decimal.Decimal, attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic settling account %s: %v", accountID, r)
		}
	}()

	if b.config.AccountTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.AccountTimeout)
		defer cancel()
	}

	for attempt := 0; attempt <= b.config.Retry.MaxRetries; attempt++ {
		attempts = attempt + 1
		receipt, settleErr := b.settler.SettleAt(ctx, accountID, asOf)
		if settleErr == nil {
			return receipt.Accrued, attempts, nil
		}
		err = settleErr

		if !b.classifier.IsRetryable(err) || attempt == b.config.Retry.MaxRetries {
			break
		}

		delay := b.config.Retry.delay(attempt)
		b.logger.Debug().Err(err).Str("account_id", accountID).Int("attempt", attempts).Dur("delay", delay).Msg("retrying account settlement")
		select {
		case <-ctx.Done():
			return decimal.Zero, attempts, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return decimal.Zero, attempts, err
}
