package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"spotfleet/pkg/logger"
)

const (
	lockTTL             = 30 * time.Second // Expiry guards against crashed holders
	lockAcquireTimeout  = 5 * time.Second
	lockExtendInterval  = 10 * time.Second
	maxLockHoldDuration = 10 * time.Minute // Renewal stops after this
)

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Locker guards a background job so only one coordinator instance runs it
type Locker interface {
	// TryLock attempts to take the lock without waiting
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock if this instance holds it
	Unlock(ctx context.Context) error

	// IsHeld reports whether this instance believes it holds the lock
	IsHeld() bool
}

// RedisLock is a Redis SET NX lock renewed in the background while held.
// A nil client means single-instance mode and the lock always succeeds.
type RedisLock struct {
	client     *redis.Client
	clock      clockwork.Clock
	key        string
	value      string // Unique per holder so nobody releases a foreign lock
	ttl        time.Duration
	isHeld     bool
	acquiredAt time.Time
	stopRenew  chan struct{}
	mu         sync.Mutex
}

// NewRedisLock creates a lock on key
func NewRedisLock(client *redis.Client, key string) *RedisLock {
	return NewRedisLockWithClock(client, key, clockwork.NewRealClock())
}

// NewRedisLockWithClock creates a lock whose renewal follows clock
func NewRedisLockWithClock(client *redis.Client, key string, clock clockwork.Clock) *RedisLock {
	return &RedisLock{
		client: client,
		clock:  clock,
		key:    key,
		value:  fmt.Sprintf("%s-%s", key, uuid.NewString()),
		ttl:    lockTTL,
	}
}

// TryLock attempts to acquire the lock
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.key)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	l.acquiredAt = l.clock.Now()
	// Fresh channel per acquisition so TryLock/Unlock cycles can repeat
	l.stopRenew = make(chan struct{})
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(stop)

	logger.DebugCtx(ctx, "lock %s acquired", l.key)
	return true, nil
}

// Unlock releases the lock
func (l *RedisLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	held := l.isHeld
	l.isHeld = false
	l.mu.Unlock()

	if !held || l.client == nil {
		return nil
	}

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == 0 {
		logger.WarnCtx(ctx, "lock %s was already released or taken over", l.key)
	}
	return nil
}

// IsHeld reports whether the lock is held
func (l *RedisLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

// renew extends the TTL until stop closes, the lock is lost or the hold limit passes
func (l *RedisLock) renew(stop <-chan struct{}) {
	ticker := l.clock.NewTicker(lockExtendInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			l.mu.Lock()
			holdDuration := l.clock.Since(l.acquiredAt)
			l.mu.Unlock()

			if holdDuration > maxLockHoldDuration {
				logger.WarnCtx(ctx, "lock %s held for %.0f seconds, no longer renewing", l.key, holdDuration.Seconds())
				l.markLost()
				return
			}

			result, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.key, err)
				l.markLost()
				return
			}
			if result == 0 {
				logger.WarnCtx(ctx, "lock %s lost before renewal", l.key)
				l.markLost()
				return
			}
		}
	}
}

func (l *RedisLock) markLost() {
	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()
}
