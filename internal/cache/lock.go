package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyaesop/eeee/internal/logging"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a Redis mutex that keeps batch settlement to one instance at a
// time. It satisfies settlement.Locker.
type Lock struct {
	cache *CacheService
	key   string
	ttl   time.Duration

	// DegradeToLocal lets Acquire succeed while Redis is unavailable. The
	// scheduler still prevents overlap inside this process.
	DegradeToLocal bool

	mu     sync.Mutex
	token  string
	logger *logging.Logger
}

// NewLock creates the settlement lock. ttl bounds how long a crashed holder
// can block other instances.
func NewLock(cs *CacheService, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Lock{
		cache:          cs,
		key:            SettlementLockKey(cs.Prefix()),
		ttl:            ttl,
		DegradeToLocal: true,
		logger:         logging.WithComponent("settlement_lock"),
	}
}

// Acquire tries to take the lock without waiting.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := uuid.New().String()
	ok, err := l.cache.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		if errors.Is(err, ErrCacheUnavailable) && l.DegradeToLocal {
			l.logger.Warn("redis unavailable, settling without distributed lock")
			l.token = ""
			return true, nil
		}
		return false, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !ok {
		l.logger.Debug("settlement lock held elsewhere", "key", l.key)
		return false, nil
	}
	l.token = token
	return true, nil
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""

	result, err := l.cache.Eval(ctx, releaseScript, []string{l.key}, token)
	if err != nil {
		return fmt.Errorf("release settlement lock: %w", err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return ErrLockHeld
	}
	return nil
}
