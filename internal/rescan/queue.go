// Package rescan holds delayed re-scans of pages with fresh high-severity
// issues, and a poller that feeds due pages back to the scan engine.
package rescan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Queue is a RescanScheduler that can hand back due pages.
type Queue interface {
	schemas.RescanScheduler
	// Due removes and returns up to limit page IDs whose time has come.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// claimDue pops due members in one round trip so concurrent pollers never
// receive the same page.
var claimDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

// RedisQueue keeps pending rescans in a sorted set scored by due unix time.
type RedisQueue struct {
	rdb redis.UniversalClient
	key string
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(rdb redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

// Schedule adds the page. An earlier pending time for the same page wins.
func (q *RedisQueue) Schedule(ctx context.Context, pageID string, at time.Time) error {
	err := q.rdb.ZAddArgs(ctx, q.key, redis.ZAddArgs{
		LT:      true,
		Members: []redis.Z{{Score: float64(at.Unix()), Member: pageID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule rescan for page %s: %w", pageID, err)
	}
	return nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := claimDue.Run(ctx, q.rdb, []string{q.key}, now.Unix(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim due rescans: %w", err)
	}
	return ids, nil
}

// Memory is the single-process Queue.
type Memory struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{pending: make(map[string]time.Time)}
}

func (q *Memory) Schedule(_ context.Context, pageID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.pending[pageID]; ok && cur.Before(at) {
		return nil
	}
	q.pending[pageID] = at
	return nil
}

func (q *Memory) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type entry struct {
		id string
		at time.Time
	}
	var due []entry
	for id, at := range q.pending {
		if !at.After(now) {
			due = append(due, entry{id, at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.id
		delete(q.pending, e.id)
	}
	return ids, nil
}

// Len reports how many rescans are pending.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
