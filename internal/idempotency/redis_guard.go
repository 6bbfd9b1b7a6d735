package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares the idempotency cache across processes. Redis owns
// expiry via the key TTL, so there is no lazy GC here.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := g.client.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (g *RedisGuard) Set(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return g.client.Set(ctx, redisKey(e.Key), raw, g.ttl).Err()
}

func redisKey(key string) string { return "idempotency:" + key }
