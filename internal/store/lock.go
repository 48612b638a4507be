package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns a distributed lock.
var ErrLockHeld = errors.New("store: lock held by another holder")

// Locker hands out named, expiring locks. The returned release func is safe
// to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// unlockLua deletes the key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SET NX PX and a conditional unlock.
type RedisLocker struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRedisLocker creates a locker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, script: redis.NewScript(unlockLua)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	k := "lock:" + key

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled at shutdown.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.script.Run(unlockCtx, l.rdb, []string{k}, token).Err()
	}, nil
}

// LocalLocker is a single-process Locker.
type LocalLocker struct {
	held chan struct{}
}

// NewLocalLocker creates a LocalLocker. All keys share one slot, which is
// enough for the single sweep it guards.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(chan struct{}, 1)}
}

func (l *LocalLocker) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	select {
	case l.held <- struct{}{}:
	default:
		return nil, ErrLockHeld
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-l.held
	}, nil
}
