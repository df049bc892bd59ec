package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter on shared Redis counters, so every replica
// of the API sees the same budget per user.
type Redis struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Prefix string
}

func NewRedis(client *redis.Client, limit int, win time.Duration) *Redis {
	return &Redis{Client: client, Limit: limit, Window: win, Prefix: "ratelimit:"}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := r.Prefix + key
	n, err := r.Client.Incr(ctx, k).Result()
	if err != nil {
		// Redis being down must not lock users out.
		return true, err
	}
	if n == 1 {
		_ = r.Client.Expire(ctx, k, r.Window).Err()
	}
	return n <= int64(r.Limit), nil
}
