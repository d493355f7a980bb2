package cache

import "errors"

var (
	// ErrCacheUnavailable is returned while the circuit breaker is open
	ErrCacheUnavailable = errors.New("cache unavailable - Redis is not healthy")

	// ErrLockHeld is returned when releasing a lock whose token no longer
	// matches, meaning the TTL expired and another instance took it over
	ErrLockHeld = errors.New("settlement lock held by another instance")
)
