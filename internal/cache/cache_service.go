// Package cache provides the Redis side of the ledger: account change
// notification across instances and the batch settlement lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyaesop/eeee/config"
	"github.com/vyaesop/eeee/internal/logging"
)

// Key layouts
const (
	PatternAccountChannel = "%s:account:%s"
	PatternSettlementLock = "%s:lock:settlement"
)

// CacheService wraps a Redis client with a circuit breaker. When Redis is
// unavailable operations fail fast and callers fall back to local behaviour.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       *logging.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService creates a CacheService and verifies connectivity. A failed
// ping leaves the service in degraded mode rather than returning an error.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logging.WithComponent("cache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("initial Redis connection failed, running degraded", "address", cfg.Address, "error", err.Error())
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn("circuit breaker open, Redis marked unhealthy", "failures", cs.failureCount)
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info("circuit breaker closed, Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once the check interval has passed.
func (cs *CacheService) checkHealth() {
	cs.mu.RLock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	cs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	cs.mu.Lock()
	cs.lastCheck = time.Now()
	cs.mu.Unlock()

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) available() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrCacheUnavailable
	}
	return nil
}

// Publish sends payload on a pub/sub channel.
func (cs *CacheService) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := cs.available(); err != nil {
		return err
	}
	if err := cs.client.Publish(ctx, channel, payload).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis publish failed: %w", err)
	}
	cs.recordSuccess()
	return nil
}

// Subscribe opens a pub/sub subscription and waits for Redis to confirm it.
func (cs *CacheService) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if err := cs.available(); err != nil {
		return nil, err
	}
	sub := cs.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		cs.recordFailure()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	cs.recordSuccess()
	return sub, nil
}

// SetNX stores value only if key does not exist.
func (cs *CacheService) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := cs.available(); err != nil {
		return false, err
	}
	ok, err := cs.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	cs.recordSuccess()
	return ok, nil
}

// Get retrieves a value. A missing key returns redis.Nil.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.available(); err != nil {
		return "", err
	}
	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", err
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	cs.recordSuccess()
	return result, nil
}

// Eval runs a Lua script.
func (cs *CacheService) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	if err := cs.available(); err != nil {
		return nil, err
	}
	result, err := script.Run(ctx, cs.client, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		cs.recordFailure()
		return nil, fmt.Errorf("redis eval failed: %w", err)
	}
	cs.recordSuccess()
	return result, nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}

// Prefix returns the configured key prefix.
func (cs *CacheService) Prefix() string {
	if cs.config.ChannelPrefix == "" {
		return "ledger"
	}
	return cs.config.ChannelPrefix
}

// AccountChannel returns the pub/sub channel for one account.
func AccountChannel(prefix, accountID string) string {
	return fmt.Sprintf(PatternAccountChannel, prefix, accountID)
}

// SettlementLockKey returns the key of the batch settlement lock.
func SettlementLockKey(prefix string) string {
	return fmt.Sprintf(PatternSettlementLock, prefix)
}
