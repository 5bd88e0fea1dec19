// Package locking keeps two scans of the same page from running at once,
// across processes (Redis) or within one process (Local).
package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

const keyPrefix = "pdpwatch:lock:page:"

const releaseTimeout = 5 * time.Second

// RedisLocker takes per-page locks through redislock.
type RedisLocker struct {
	client *redislock.Client
	logger *zap.Logger
}

var _ schemas.PageLocker = (*RedisLocker)(nil)

// NewRedisLocker wraps a Redis client.
func NewRedisLocker(rdb redis.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), logger: logger.Named("page_locker")}
}

// TryLock obtains the page lock without retrying. ok is false when another
// holder has it.
func (l *RedisLocker) TryLock(ctx context.Context, pageID string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.client.Obtain(ctx, keyPrefix+pageID, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain page lock for %s: %w", pageID, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.Warn("Failed to release page lock.", zap.String("page_id", pageID), zap.Error(err))
			}
		})
	}
	return release, true, nil
}

// Local is an in-process PageLocker. The ttl is ignored; locks live until released.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ schemas.PageLocker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(ctx context.Context, pageID string, _ time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[pageID]; busy {
		return nil, false, nil
	}
	l.held[pageID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, pageID)
			l.mu.Unlock()
		})
	}, true, nil
}
