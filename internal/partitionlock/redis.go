package partitionlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Redis is a SETNX lock shared by every process that points at the same server.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

type RedisOption func(*Redis)

func WithPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }
func WithTTL(d time.Duration) RedisOption { return func(r *Redis) { r.ttl = d } }
func WithWait(d time.Duration) RedisOption { return func(r *Redis) { r.wait = d } }
func WithLogger(l *zap.Logger) RedisOption { return func(r *Redis) { r.logger = l } }

func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "bronze:lock:",
		ttl:    2 * time.Minute,
		wait:   30 * time.Second,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lease is one held lock.
type Lease struct {
	r     *Redis
	key   string
	value string
}

// Acquire makes a single attempt.
func (r *Redis) Acquire(ctx context.Context, key string) (*Lease, error) {
	lockKey := r.prefix + key
	value := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, lockKey, value, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	r.logger.Debug("partition_lock_acquired", zap.String("key", lockKey))
	return &Lease{r: r, key: lockKey, value: value}, nil
}

// TryAcquire retries with capped exponential backoff until the wait budget runs out.
func (r *Redis) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	deadline := time.Now().Add(r.wait)
	backoff := 10 * time.Millisecond
	for {
		lease, err := r.Acquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

// Lock adapts TryAcquire to the storage locker contract.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lease, err := r.TryAcquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() {
		// The write may have cancelled ctx; release must still reach the server.
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("partition_lock_release_failed", zap.String("key", lease.key), zap.Error(err))
		}
	}, nil
}

func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.r.rdb, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	l.r.logger.Debug("partition_lock_released", zap.String("key", l.key))
	return nil
}

func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.r.rdb, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
