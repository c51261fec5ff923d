// internal/cache/digest.go
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const digestPrefix = "digest:"

// EnqueueDigest appends a deferred notification payload to the user's
// digest mailbox. The mailbox TTL is refreshed on every append so an
// abandoned mailbox eventually expires.
func EnqueueDigest(ctx context.Context, userID string, payload []byte, ttl time.Duration) error {
	key := digestPrefix + userID
	pipe := RedisClient.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// DrainDigest atomically takes and clears the user's digest mailbox.
// Returns the queued payloads in enqueue order.
func DrainDigest(ctx context.Context, userID string) ([][]byte, error) {
	key := digestPrefix + userID
	pipe := RedisClient.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	items, err := rangeCmd.Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	payloads := make([][]byte, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, []byte(item))
	}
	return payloads, nil
}

// DigestUsers lists user ids with a non-empty digest mailbox
func DigestUsers(ctx context.Context) ([]string, error) {
	keys, err := getAllKeys(ctx, digestPrefix)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, key[len(digestPrefix):])
	}
	return users, nil
}
