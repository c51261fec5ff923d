// internal/cache/ratelimit.go
package cache

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
)

var limiter *redis_rate.Limiter

// InitRateLimiter must be called after InitRedis
func InitRateLimiter() {
	limiter = redis_rate.NewLimiter(RedisClient)
}

// AllowUserNotification enforces the per-user notification rate cap. It is
// a backstop behind cooldown and digest batching, not the primary
// suppression mechanism. Fails open on limiter errors: a Redis hiccup must
// not drop notifications.
func AllowUserNotification(ctx context.Context, userID string, perMinute int) (bool, error) {
	if limiter == nil {
		return true, nil
	}
	res, err := limiter.Allow(ctx, "notify:"+userID, redis_rate.PerMinute(perMinute))
	if err != nil {
		return true, err
	}
	return res.Allowed > 0, nil
}
