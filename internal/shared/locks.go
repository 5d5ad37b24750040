package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockNotObtained indicates another holder owns the lock.
var ErrLockNotObtained = errors.New("lock not obtained")

// StockCountLockKey builds redis keys guarding transitions of one adjustment.
func StockCountLockKey(adjustmentID int64) string {
	return fmt.Sprintf("stockcount:adjustment:%d:lock", adjustmentID)
}

// StockCountLocationLockKey builds redis keys guarding count creation on a location.
func StockCountLocationLockKey(locationID int64) string {
	return fmt.Sprintf("stockcount:location:%d:lock", locationID)
}

// RedisLocker hands out short-lived redis locks.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker constructs RedisLocker. A zero ttl defaults to 30s.
func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Obtain acquires key without waiting. The returned release func is safe to
// call more than once.
func (l *RedisLocker) Obtain(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
		}
		return nil, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = lock.Release(context.Background())
	}, nil
}
