// internal/dispatcher/adapters.go
//
// Thin adapters binding the dispatcher's collaborator interfaces to the
// real stores. Tests substitute in-memory fakes instead.
package dispatcher

import (
	"context"
	"time"

	"marketalerts/internal/cache"
	"marketalerts/internal/database"
	"marketalerts/internal/models"
	"marketalerts/internal/queue"
)

// DBAlertStore serves alert rules from Postgres
type DBAlertStore struct{}

func (DBAlertStore) GetAlert(ctx context.Context, id string) (*models.AlertRule, error) {
	return database.GetAlertByID(ctx, id)
}

func (DBAlertStore) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, lastTriggeredAt *time.Time, lastComputed *float64, expectedVersion int64) error {
	return database.UpdateAlertStatus(ctx, alertID, status, lastTriggeredAt, lastComputed, expectedVersion)
}

// DBPreferenceStore serves notification preferences from Postgres
type DBPreferenceStore struct{}

func (DBPreferenceStore) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	return database.GetPreferences(ctx, userID)
}

// DBTemplateStore serves templates from Postgres
type DBTemplateStore struct{}

func (DBTemplateStore) GetTemplate(ctx context.Context, eventType string) (*models.Template, error) {
	return database.GetTemplate(ctx, eventType)
}

// DBNotificationStore persists history rows in Postgres
type DBNotificationStore struct{}

func (DBNotificationStore) CreateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	return database.CreateNotification(ctx, rec)
}

// RedisClaimer implements the idempotency guard on Redis conditional
// inserts
type RedisClaimer struct {
	TTL time.Duration
}

func (c RedisClaimer) ClaimOnce(ctx context.Context, eventID string) (bool, error) {
	return cache.ClaimOnce(ctx, eventID, c.TTL)
}

func (c RedisClaimer) Release(ctx context.Context, eventID string) error {
	return cache.ReleaseClaim(ctx, eventID)
}

func (c RedisClaimer) RecordOutcome(ctx context.Context, eventID, outcome string) error {
	return cache.RecordOutcome(ctx, eventID, outcome)
}

// KafkaDeadLetter publishes poisoned events to the DLQ topic
type KafkaDeadLetter struct {
	Producer *queue.Producer
	Topic    string
}

func (d KafkaDeadLetter) Publish(original []byte, key []byte, terminalErr error) error {
	return d.Producer.PublishDLQ(d.Topic, original, key, terminalErr)
}

// RedisDigestQueue defers notifications into per-user Redis mailboxes
type RedisDigestQueue struct {
	TTL time.Duration
}

func (q RedisDigestQueue) Enqueue(ctx context.Context, userID string, payload []byte) error {
	return cache.EnqueueDigest(ctx, userID, payload, q.TTL)
}

// RedisRateLimit builds the per-user suppression backstop
func RedisRateLimit(perMinute int) RateLimit {
	return func(ctx context.Context, userID string) (bool, error) {
		return cache.AllowUserNotification(ctx, userID, perMinute)
	}
}
