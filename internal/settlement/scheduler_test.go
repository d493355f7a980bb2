package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
	err      error
}

func (l *fakeLocker) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	l.acquires++
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.releases++
	return nil
}

// blockingSettler holds every settlement until release is closed.
type blockingSettler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSettler) SettleAt(ctx context.Context, id string, _ time.Time) (*ledger.Receipt, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return &ledger.Receipt{}, nil
}

func newTestScheduler(t *testing.T, settler AccountSettler, locker Locker) (*Scheduler, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore(nil)
	seed(t, store, "a", "1000", t0)

	batch := NewBatchSettler(store, settler, fastConfig(), nil, zerolog.Nop())
	s := NewScheduler(batch, &SchedulerConfig{Spec: "@daily", Threshold: 24 * time.Hour}, locker, zerolog.Nop())
	s.now = func() time.Time { return t0.Add(48 * time.Hour) }
	return s, store
}

func TestScheduler_StartStop(t *testing.T) {
	s, _ := newTestScheduler(t, &flakySettler{}, nil)

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "@daily", st.Spec)
	require.NotNil(t, st.NextRun)
	assert.True(t, st.NextRun.After(time.Now()))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop())
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s, _ := newTestScheduler(t, &flakySettler{}, nil)
	s.config.Spec = "every now and then"

	assert.Error(t, s.Start())
	assert.False(t, s.IsRunning())
}

func TestScheduler_RunNowRecordsLastRun(t *testing.T) {
	store := database.NewMemoryStore(nil)
	seed(t, store, "a", "1000", t0)
	now := t0.Add(48 * time.Hour)
	locker := &fakeLocker{}

	batch := NewBatchSettler(store, newLedger(t, store, now), fastConfig(), nil, zerolog.Nop())
	s := NewScheduler(batch, nil, locker, zerolog.Nop())
	s.now = func() time.Time { return now }

	result, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Settled)
	assert.Equal(t, now, result.AsOf)

	st := s.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, result.RunID, st.LastRun.RunID)
	assert.Equal(t, 1, locker.acquires)
	assert.Equal(t, 1, locker.releases)
	assert.False(t, locker.held)
}

func TestScheduler_LockHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{held: true}
	s, _ := newTestScheduler(t, &flakySettler{}, locker)

	_, err := s.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrBatchInProgress)
	assert.Nil(t, s.Status().LastRun)
}

func TestScheduler_LockError(t *testing.T) {
	locker := &fakeLocker{err: errors.New("redis down")}
	s, _ := newTestScheduler(t, &flakySettler{}, locker)

	_, err := s.RunNow(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBatchInProgress)
}

func TestScheduler_OverlappingRunsRejected(t *testing.T) {
	settler := &blockingSettler{started: make(chan struct{}), release: make(chan struct{})}
	s, _ := newTestScheduler(t, settler, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		done <- err
	}()
	<-settler.started

	_, err := s.RunWithThreshold(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(settler.release)
	assert.NoError(t, <-done)
}
