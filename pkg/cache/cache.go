package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the shared Redis connection used for process-shared rate
// counters. A nil *Client disables rate limiting entirely (dev default).
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// TakeToken consumes one token from the per-key bucket. The bucket refills
// at rps tokens per second and admits up to burst extra tokens inside one
// window. The counter is an atomic INCR on a per-second key, so the bucket
// is shared across gateway replicas.
//
// Returns (allowed, retryAfter).
func (c *Client) TakeToken(ctx context.Context, key string, rps float64, burst int) (bool, time.Duration, error) {
	now := time.Now()
	sec := now.Unix()
	redisKey := fmt.Sprintf("cortex:tb:%s:%d", key, sec)

	n, err := c.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate counter incr: %w", err)
	}
	if n == 1 {
		// First hit in this window sets the expiry.
		if err := c.rdb.Expire(ctx, redisKey, 2*time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("rate counter expire: %w", err)
		}
	}

	cap := int64(rps) + int64(burst)
	if cap < 1 {
		cap = 1
	}
	if n <= cap {
		return true, 0, nil
	}

	retryAfter := time.Duration(1e9 - now.Nanosecond())
	return false, retryAfter, nil
}

// SlidingCount consumes one unit and evaluates the sum of per-second
// counters over the trailing window. Admits while the sum stays within
// rps*window + burst.
func (c *Client) SlidingCount(ctx context.Context, key string, rps float64, burst int, window time.Duration) (bool, time.Duration, error) {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	now := time.Now()
	cur := now.Unix()

	curKey := fmt.Sprintf("cortex:sw:%s:%d", key, cur)
	n, err := c.rdb.Incr(ctx, curKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate counter incr: %w", err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, curKey, window+time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("rate counter expire: %w", err)
		}
	}

	keys := make([]string, 0, secs)
	for i := int64(0); i < secs; i++ {
		keys = append(keys, fmt.Sprintf("cortex:sw:%s:%d", key, cur-i))
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate counter mget: %w", err)
	}

	var total int64
	for _, v := range vals {
		if v == nil {
			continue
		}
		var cnt int64
		fmt.Sscan(v.(string), &cnt)
		total += cnt
	}

	cap := int64(rps*float64(secs)) + int64(burst)
	if cap < 1 {
		cap = 1
	}
	if total <= cap {
		return true, 0, nil
	}
	retryAfter := time.Duration(1e9 - now.Nanosecond())
	return false, retryAfter, nil
}
