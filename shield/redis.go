package shield

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter tallies per-device events in Redis so every ingest node in
// a fleet shares one budget. Keys carry the window index, so a stale key
// from a past window is never read again and the TTL only has to be long
// enough for Redis to reap it.
type RedisCounter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("shield: connect to redis %s: %w", addr, err)
	}
	return &RedisCounter{
		rdb:    rdb,
		prefix: "ghostwork:rate",
		window: time.Minute,
		now:    time.Now,
	}, nil
}

func (c *RedisCounter) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	w := c.now().Unix() / int64(c.window/time.Second)
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, w)

	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, redisKey, n)
	pipe.Expire(ctx, redisKey, 2*c.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("shield: incr %s: %w", redisKey, err)
	}
	return incr.Val(), nil
}

// Close releases the Redis connection pool.
func (c *RedisCounter) Close() error {
	return c.rdb.Close()
}
