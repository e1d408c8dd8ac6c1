package queue

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var errRedisUnconfigured = errors.New("redis queue not configured")

// RedisQueue keeps upload jobs in a Redis list: Enqueue pushes to the tail, Pop takes from the head.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisQueue creates a Redis-backed queue. If url is empty or invalid, operations will error.
func NewRedisQueue(url, key string) *RedisQueue {
	if key == "" {
		key = "uploader:queue"
	}
	q := &RedisQueue{key: key, now: time.Now}
	if url == "" {
		return q
	}
	if opt, err := redis.ParseURL(url); err == nil {
		q.client = redis.NewClient(opt)
	}
	return q
}

func (r *RedisQueue) Enqueue(ctx context.Context, req Request) error {
	if r.client == nil {
		return errRedisUnconfigured
	}
	data, err := encodeRequest(prepare(req, r.now()))
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.key, data).Err()
}

// Stats reads the list length and its head in one round trip.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if r.client == nil {
		return Stats{}, errRedisUnconfigured
	}
	var (
		length *redis.IntCmd
		head   *redis.StringCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		length = p.LLen(ctx, r.key)
		head = p.LIndex(ctx, r.key, 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	stats := Stats{Length: int(length.Val())}
	if raw, err := head.Bytes(); err == nil {
		if oldest := decodeRequests([][]byte{raw}); len(oldest) == 1 && oldest[0].EnqueuedAt > 0 {
			stats.OldestAge = r.now().Unix() - oldest[0].EnqueuedAt
		}
	}
	return stats, nil
}

// Pop takes up to max jobs from the head with a single LPOP.
func (r *RedisQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	if r.client == nil {
		return nil, errRedisUnconfigured
	}
	if max <= 0 {
		max = 1
	}
	vals, err := r.client.LPopCount(ctx, r.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw := make([][]byte, len(vals))
	for i, v := range vals {
		raw[i] = []byte(v)
	}
	return decodeRequests(raw), nil
}

// Close releases the Redis connection pool.
func (r *RedisQueue) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
