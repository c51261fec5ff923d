// Package digest flushes deferred email notifications in batches. The
// dispatcher parks per-user payloads in a Redis mailbox; a cron schedule
// drains each mailbox into a single combined email.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketalerts/internal/cache"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PreferenceStore loads user preferences, needed to honor quiet hours
// at flush time too.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.Preferences, error)
}

// BatchSender sends one combined email per user per flush
type BatchSender interface {
	SendDigest(ctx context.Context, userID, subject, body string) error
}

// Mailbox is the deferred-notification store the flusher drains
type Mailbox interface {
	Users(ctx context.Context) ([]string, error)
	Drain(ctx context.Context, userID string) ([][]byte, error)
	Requeue(ctx context.Context, userID string, payload []byte) error
}

// RedisMailbox reads the per-user digest lists the dispatcher fills.
// Requeued entries get the same TTL as fresh ones.
type RedisMailbox struct {
	TTL time.Duration
}

func (m RedisMailbox) Users(ctx context.Context) ([]string, error) {
	return cache.DigestUsers(ctx)
}

func (m RedisMailbox) Drain(ctx context.Context, userID string) ([][]byte, error) {
	return cache.DrainDigest(ctx, userID)
}

func (m RedisMailbox) Requeue(ctx context.Context, userID string, payload []byte) error {
	return cache.EnqueueDigest(ctx, userID, payload, m.TTL)
}

var (
	flushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digest_flushes_total",
		Help: "Total digest flush runs",
	})
	digestEmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_emails_total",
			Help: "Digest emails sent by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(digestEmailsTotal)
}

// Flusher drains digest mailboxes on a schedule
type Flusher struct {
	prefs   PreferenceStore
	email   BatchSender
	mailbox Mailbox
	cron    *cron.Cron
	now     func() time.Time
}

func NewFlusher(prefs PreferenceStore, email BatchSender, mailbox Mailbox) *Flusher {
	return &Flusher{
		prefs:   prefs,
		email:   email,
		mailbox: mailbox,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules flushes on the given cron expression
func (f *Flusher) Start(spec string) error {
	_, err := f.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		f.FlushAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule digest flush %q: %w", spec, err)
	}
	f.cron.Start()
	logger.Log.Info("Digest flusher scheduled", zap.String("cron", spec))
	return nil
}

// Stop halts the schedule, letting a running flush finish
func (f *Flusher) Stop() {
	<-f.cron.Stop().Done()
}

// FlushAll drains every pending mailbox. Users still inside quiet hours
// keep their mailbox until a later run.
func (f *Flusher) FlushAll(ctx context.Context) {
	flushesTotal.Inc()

	users, err := f.mailbox.Users(ctx)
	if err != nil {
		logger.Log.Error("Failed to list digest mailboxes", zap.Error(err))
		return
	}

	for _, userID := range users {
		if err := f.flushUser(ctx, userID); err != nil {
			logger.Log.Error("Digest flush failed for user",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
}

func (f *Flusher) flushUser(ctx context.Context, userID string) error {
	prefs, err := f.prefs.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	if prefs.InQuietHours(f.now()) {
		return nil
	}

	payloads, err := f.mailbox.Drain(ctx, userID)
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	records := make([]*models.NotificationRecord, 0, len(payloads))
	for _, payload := range payloads {
		var rec models.NotificationRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			logger.Log.Warn("Dropping malformed digest entry",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, &rec)
	}
	if len(records) == 0 {
		return nil
	}

	subject, body := Compose(records)
	if err := f.email.SendDigest(ctx, userID, subject, body); err != nil {
		digestEmailsTotal.WithLabelValues("error").Inc()
		// Put the batch back so the next run retries it.
		for _, payload := range payloads {
			if reErr := f.mailbox.Requeue(ctx, userID, payload); reErr != nil {
				logger.Log.Error("Failed to requeue digest entry",
					zap.String("user_id", userID),
					zap.Error(reErr),
				)
			}
		}
		return err
	}

	digestEmailsTotal.WithLabelValues("ok").Inc()
	logger.Log.Info("Digest flushed",
		zap.String("user_id", userID),
		zap.Int("notifications", len(records)),
	)
	return nil
}

// Compose builds the combined subject and body for a digest email
func Compose(records []*models.NotificationRecord) (string, string) {
	subject := fmt.Sprintf("Market alert digest: %d notifications", len(records))
	if len(records) == 1 {
		subject = "Market alert digest: 1 notification"
	}

	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "%s\n%s\n\n", rec.Title, rec.Body)
	}
	return subject, strings.TrimRight(b.String(), "\n") + "\n"
}
