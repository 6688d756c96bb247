package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSendQuota tracks the global daily send volume in Redis so the cap
// holds across restarts and multiple instances. Keys are dated and expire on
// their own, which is what resets the counter at midnight.
type RedisSendQuota struct {
	client *redis.Client
}

func NewRedisSendQuota(address, password string, db int) *RedisSendQuota {
	return &RedisSendQuota{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}
}

func quotaKey(day time.Time) string {
	return fmt.Sprintf("sendquota:%s", day.Format("2006-01-02"))
}

func (q *RedisSendQuota) Used(ctx context.Context, day time.Time) (int, error) {
	n, err := q.client.Get(ctx, quotaKey(day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

func (q *RedisSendQuota) Record(ctx context.Context, day time.Time, n int) error {
	key := quotaKey(day)
	pipe := q.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Transient(err)
	}
	return nil
}

// Reserve claims up to n sends under limit with an increment-then-refund:
// the IncrBy is the atomic claim, and any overshoot past limit is handed
// straight back. Concurrent claimants therefore split the remaining volume
// instead of each taking it.
func (q *RedisSendQuota) Reserve(ctx context.Context, day time.Time, n, limit int) (int, error) {
	key := quotaKey(day)
	pipe := q.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Transient(err)
	}

	over := int(incr.Val()) - limit
	if over <= 0 {
		return n, nil
	}
	if over > n {
		over = n
	}
	if err := q.client.DecrBy(ctx, key, int64(over)).Err(); err != nil {
		return n - over, Transient(err)
	}
	return n - over, nil
}

func (q *RedisSendQuota) Close() error {
	return q.client.Close()
}

// MemorySendQuota is the in-process fallback used when Redis is disabled.
type MemorySendQuota struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemorySendQuota() *MemorySendQuota {
	return &MemorySendQuota{counts: make(map[string]int)}
}

func (q *MemorySendQuota) Used(ctx context.Context, day time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[quotaKey(day)], nil
}

func (q *MemorySendQuota) Record(ctx context.Context, day time.Time, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counts[quotaKey(day)] += n
	return nil
}

func (q *MemorySendQuota) Reserve(ctx context.Context, day time.Time, n, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	avail := limit - q.counts[quotaKey(day)]
	if avail < 0 {
		avail = 0
	}
	if n > avail {
		n = avail
	}
	q.counts[quotaKey(day)] += n
	return n, nil
}
