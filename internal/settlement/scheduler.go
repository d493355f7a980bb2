package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrBatchInProgress is returned by RunNow while another batch is running
var ErrBatchInProgress = errors.New("batch settlement already in progress")

// Locker serialises batches across instances. cache.Lock implements it.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SchedulerConfig holds configuration for the settlement scheduler
type SchedulerConfig struct {
	// Spec is a cron expression or descriptor such as "@daily"
	Spec string

	// Threshold is how long an account may go unsettled before the batch
	// picks it up
	Threshold time.Duration

	// RunTimeout bounds a whole batch
	RunTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Spec:       "@daily",
		Threshold:  24 * time.Hour,
		RunTimeout: 30 * time.Minute,
	}
}

// Scheduler triggers batch settlement on a cron schedule
type Scheduler struct {
	batch  *BatchSettler
	config *SchedulerConfig
	locker Locker
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	entryID cron.EntryID
	lastRun *BatchResult

	// held while a batch runs
	runMu sync.Mutex
}

// NewScheduler creates a new settlement scheduler. locker may be nil when a
// single instance runs.
func NewScheduler(batch *BatchSettler, config *SchedulerConfig, locker Locker, logger zerolog.Logger) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		batch:  batch,
		config: config,
		locker: locker,
		now:    time.Now,
		logger: logger.With().Str("component", "settlement_scheduler").Logger(),
	}
}

// Start starts the settlement scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("settlement scheduler already running")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	id, err := c.AddFunc(s.config.Spec, s.runScheduled)
	if err != nil {
		return fmt.Errorf("invalid settlement schedule %q: %w", s.config.Spec, err)
	}
	c.Start()

	s.cron = c
	s.entryID = id
	s.running = true
	s.logger.Info().Str("spec", s.config.Spec).Dur("threshold", s.config.Threshold).Msg("settlement scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running batch to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("settlement scheduler not running")
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info().Msg("settlement scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the schedule and the most recent batch
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Spec: s.config.Spec, LastRun: s.lastRun}
	if s.running && s.cron != nil {
		if next := s.cron.Entry(s.entryID).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

func (s *Scheduler) runScheduled() {
	ctx := context.Background()
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	if _, err := s.RunNow(ctx); err != nil {
		if errors.Is(err, ErrBatchInProgress) {
			s.logger.Info().Msg("skipping scheduled settlement, another batch holds the lock")
			return
		}
		s.logger.Error().Err(err).Msg("scheduled settlement failed")
	}
}

// RunNow runs a batch immediately with the configured threshold
func (s *Scheduler) RunNow(ctx context.Context) (*BatchResult, error) {
	return s.RunWithThreshold(ctx, s.config.Threshold)
}

// RunWithThreshold runs a batch immediately. It returns ErrBatchInProgress if
// a batch is already running here or on another instance.
func (s *Scheduler) RunWithThreshold(ctx context.Context, threshold time.Duration) (*BatchResult, error) {
	if !s.runMu.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer s.runMu.Unlock()

	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire settlement lock: %w", err)
		}
		if !acquired {
			return nil, ErrBatchInProgress
		}
		defer func() {
			if err := s.locker.Release(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release settlement lock")
			}
		}()
	}

	result, err := s.batch.SettleAllStale(ctx, s.now(), threshold)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()
	return result, nil
}
