// internal/cache/claims.go
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimPrefix = "claim:"

// ClaimOnce atomically claims an event id with a conditional insert
// (SET NX). It returns true exactly once per event id within the TTL,
// across all dispatcher instances. The TTL must outlive the broker's
// maximum redelivery window or duplicates could slip through.
func ClaimOnce(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return RedisClient.SetNX(ctx, claimPrefix+eventID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseClaim drops a claim so a requeued event can be claimed again.
// Called when processing fails retryably after the claim but before any
// externally visible effect.
func ReleaseClaim(ctx context.Context, eventID string) error {
	return RedisClient.Del(ctx, claimPrefix+eventID).Err()
}

// RecordOutcome stores the terminal outcome next to the claim timestamp,
// keeping the claim's remaining TTL.
func RecordOutcome(ctx context.Context, eventID string, outcome string) error {
	key := claimPrefix + eventID
	val := time.Now().UTC().Format(time.RFC3339) + "|" + outcome
	return RedisClient.Set(ctx, key, val, redis.KeepTTL).Err()
}
