package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sentinel:velocity:"

// RedisTracker keeps one sorted set per actor, scored by unix nanoseconds,
// so that several service instances share velocity state. Sets are trimmed
// to maxWindow on every write and expire when the actor goes quiet.
type RedisTracker struct {
	client      *redis.Client
	maxWindow   time.Duration
	maxPerActor int64
	now         func() time.Time
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker creates a redis-backed tracker.
func NewRedisTracker(client *redis.Client, maxWindow time.Duration, maxPerActor int) *RedisTracker {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	if maxPerActor <= 0 {
		maxPerActor = 1000
	}
	return &RedisTracker{client: client, maxWindow: maxWindow, maxPerActor: int64(maxPerActor), now: time.Now}
}

func (t *RedisTracker) Record(ctx context.Context, s Summary) error {
	pipe := t.client.TxPipeline()
	t.queueRecord(ctx, pipe, s)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record velocity: %w", err)
	}
	return nil
}

// RecordAndCount runs the insert, trim and count for every key inside one
// MULTI, so concurrent instances cannot interleave between them.
func (t *RedisTracker) RecordAndCount(ctx context.Context, s Summary, window time.Duration) ([]int, error) {
	window = min(window, t.maxWindow)
	at := t.stamp(s)
	cutoff := t.now().Add(-window)

	pipe := t.client.TxPipeline()
	t.queueRecord(ctx, pipe, s)
	lower := "(" + strconv.FormatInt(cutoff.UnixNano(), 10)
	cmds := make([]*redis.IntCmd, len(s.Keys))
	for i, key := range s.Keys {
		cmds[i] = pipe.ZCount(ctx, redisKeyPrefix+key, lower, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record velocity: %w", err)
	}

	counts := make([]int, len(cmds))
	for i, c := range cmds {
		counts[i] = int(c.Val())
		if !at.After(cutoff) {
			counts[i]++
		}
	}
	return counts, nil
}

func (t *RedisTracker) stamp(s Summary) time.Time {
	if s.At.IsZero() {
		return t.now()
	}
	return s.At
}

func (t *RedisTracker) queueRecord(ctx context.Context, pipe redis.Pipeliner, s Summary) {
	at := t.stamp(s)
	horizon := strconv.FormatInt(t.now().Add(-t.maxWindow).UnixNano(), 10)
	for _, key := range s.Keys {
		k := redisKeyPrefix + key
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixNano()), Member: s.TransactionID})
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+horizon)
		pipe.ZRemRangeByRank(ctx, k, 0, -(t.maxPerActor + 1))
		pipe.Expire(ctx, k, t.maxWindow)
	}
}

func (t *RedisTracker) RecentCount(ctx context.Context, key string, window time.Duration) (int, error) {
	if window > t.maxWindow {
		window = t.maxWindow
	}
	lower := "(" + strconv.FormatInt(t.now().Add(-window).UnixNano(), 10)
	n, err := t.client.ZCount(ctx, redisKeyPrefix+key, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count velocity: %w", err)
	}
	return int(n), nil
}
