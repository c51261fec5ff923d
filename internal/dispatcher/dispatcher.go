// Package dispatcher consumes triggered-alert events and turns each one
// into at-most-one user-visible notification per channel: idempotency
// claim, preference and quiet-hours filtering, template rendering,
// channel fan-out with backoff, history persistence and the alert
// lifecycle transition.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketalerts/internal/database"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"
	"marketalerts/internal/render"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AlertStore reads and transitions alert rules
type AlertStore interface {
	GetAlert(ctx context.Context, id string) (*models.AlertRule, error)
	UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, lastTriggeredAt *time.Time, lastComputed *float64, expectedVersion int64) error
}

// PreferenceStore loads per-user notification preferences
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.Preferences, error)
}

// TemplateStore looks up notification templates by event type
type TemplateStore interface {
	GetTemplate(ctx context.Context, eventType string) (*models.Template, error)
}

// NotificationStore persists delivery history
type NotificationStore interface {
	CreateNotification(ctx context.Context, rec *models.NotificationRecord) error
}

// Claimer is the idempotency guard: ClaimOnce succeeds exactly once per
// event id across all dispatcher instances.
type Claimer interface {
	ClaimOnce(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
	RecordOutcome(ctx context.Context, eventID, outcome string) error
}

// Sender delivers over a single channel
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, rec *models.NotificationRecord) error
}

// DeadLetter routes poisoned events to the dead-letter topic
type DeadLetter interface {
	Publish(original []byte, key []byte, terminalErr error) error
}

// DigestQueue defers a notification into the user's digest mailbox
type DigestQueue interface {
	Enqueue(ctx context.Context, userID string, payload []byte) error
}

// RateLimit is the per-user suppression backstop; returning false
// suppresses channel sends but never the history record.
type RateLimit func(ctx context.Context, userID string) (bool, error)

// Options tunes retry, cooldown and deferral behavior
type Options struct {
	Cooldown       time.Duration
	SendTimeout    time.Duration
	MaxSendRetries uint64
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// Dispatcher orchestrates delivery for consumed events
type Dispatcher struct {
	alerts    AlertStore
	prefs     PreferenceStore
	templates TemplateStore
	records   NotificationStore
	claims    Claimer
	senders   map[models.Channel]Sender
	dlq       DeadLetter
	digest    DigestQueue
	rateLimit RateLimit
	opts      Options
	now       func() time.Time
}

var (
	eventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_events_total",
			Help: "Total events handled by the dispatcher by outcome",
		},
		[]string{"outcome"},
	)
	channelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_channel_failures_total",
			Help: "Channel sends that exhausted all retries",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(eventsProcessedTotal)
	prometheus.MustRegister(channelFailuresTotal)
}

// ErrRetryable wraps transient infrastructure failures; the consumer
// requeues the message and the broker's at-least-once contract covers us.
var ErrRetryable = errors.New("retryable dispatch failure")

func New(alerts AlertStore, prefs PreferenceStore, templates TemplateStore, records NotificationStore,
	claims Claimer, senderList []Sender, dlq DeadLetter, digest DigestQueue, rateLimit RateLimit, opts Options) *Dispatcher {

	byChannel := make(map[models.Channel]Sender, len(senderList))
	for _, s := range senderList {
		byChannel[s.Channel()] = s
	}

	if opts.SendTimeout == 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.BaseRetryDelay == 0 {
		opts.BaseRetryDelay = 500 * time.Millisecond
	}
	if opts.MaxRetryDelay == 0 {
		opts.MaxRetryDelay = 15 * time.Second
	}
	if opts.MaxSendRetries == 0 {
		opts.MaxSendRetries = 4
	}

	return &Dispatcher{
		alerts:    alerts,
		prefs:     prefs,
		templates: templates,
		records:   records,
		claims:    claims,
		senders:   byChannel,
		dlq:       dlq,
		digest:    digest,
		rateLimit: rateLimit,
		opts:      opts,
		now:       time.Now,
	}
}

// Process handles one raw queue message end to end. A nil return means
// the message can be acknowledged (delivered, suppressed, duplicate, or
// dead-lettered); a wrapped ErrRetryable return means requeue.
func (d *Dispatcher) Process(ctx context.Context, raw []byte) error {
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "DispatchEvent")
	defer span.End()

	var event models.AlertTriggeredEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return d.deadLetter(ctx, raw, "", fatal("malformed event payload", err))
	}
	if err := validateEvent(&event); err != nil {
		return d.deadLetter(ctx, raw, event.EventID, fatal("invalid event", err))
	}

	span.SetAttributes(
		attribute.String("event_id", event.EventID),
		attribute.String("alert_id", event.AlertID),
	)
	log := logger.Log.With(
		zap.String("event_id", event.EventID),
		zap.String("alert_id", event.AlertID),
		zap.String("user_id", event.OwnerID),
	)

	// Idempotency claim first, before any externally visible effect.
	claimed, err := d.claims.ClaimOnce(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("claim %s: %v: %w", event.EventID, err, ErrRetryable)
	}
	if !claimed {
		log.Debug("Duplicate event discarded")
		eventsProcessedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := d.deliver(ctx, &event, log); err != nil {
		if isFatal(err) {
			return d.deadLetter(ctx, raw, event.EventID, err)
		}
		// Transient failure before any side effect: release the claim so
		// the redelivered message can claim again. The release runs
		// detached from the caller's context: if the failure was the
		// caller cancelling, a ctx-bound release would fail too, the claim
		// would outlive the redelivery and the event would be silently
		// discarded as a duplicate.
		if relErr := d.claims.Release(context.WithoutCancel(ctx), event.EventID); relErr != nil {
			log.Error("Failed to release claim for retry", zap.Error(relErr))
		}
		return fmt.Errorf("deliver %s: %v: %w", event.EventID, err, ErrRetryable)
	}

	return nil
}

// deliver runs the post-claim pipeline for a freshly claimed event:
// load, suppression checks, render, fan-out, persist, transition.
func (d *Dispatcher) deliver(ctx context.Context, event *models.AlertTriggeredEvent, log *zap.Logger) error {
	rule, err := d.alerts.GetAlert(ctx, event.AlertID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fatal("alert not resolvable", err)
		}
		return err
	}

	// A non-recurring rule already in TRIGGERED state means this event is
	// a leftover beyond the claim TTL; nothing more to deliver.
	if !rule.IsRecurring && rule.Status == models.StatusTriggered {
		log.Info("Event for already-triggered alert discarded")
		d.finish(ctx, event.EventID, "stale")
		return nil
	}

	// Recurring cool-down: edge-triggering stops most of this upstream,
	// the elapsed-time check stops re-dispatch across fresh edges.
	if rule.IsRecurring && rule.LastTriggeredAt != nil && d.opts.Cooldown > 0 {
		if event.OccurredAt.Sub(*rule.LastTriggeredAt) < d.opts.Cooldown {
			log.Info("Event suppressed by cooldown",
				zap.Time("last_triggered_at", *rule.LastTriggeredAt),
				zap.Duration("cooldown", d.opts.Cooldown),
			)
			d.finish(ctx, event.EventID, "cooldown")
			return nil
		}
	}

	prefs, err := d.prefs.GetPreferences(ctx, event.OwnerID)
	if err != nil {
		return err
	}

	// Template lookup happens before any channel send: a missing template
	// is fatal for the event, so find out before touching any channel.
	tpl, err := d.templates.GetTemplate(ctx, event.EventType)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fatal("missing template for "+event.EventType, err)
		}
		return err
	}

	metadata := render.Metadata(event)
	rendered, err := render.Render(tpl, metadata)
	if err != nil {
		return fatal("template render failed", err)
	}

	rec := &models.NotificationRecord{
		ID:        uuid.New().String(),
		UserID:    event.OwnerID,
		AlertID:   &event.AlertID,
		Title:     rendered.Subject,
		Body:      rendered.Body,
		Type:      event.EventType,
		Metadata:  metadata,
		CreatedAt: d.now(),
	}

	// Decide which channels actually deliver.
	channels := applicableChannels(rule, prefs)
	suppressed := prefs.EventTypeDisabled(event.EventType) || len(channels) == 0
	outcome := "delivered"

	if !suppressed && d.rateLimit != nil {
		allowed, rlErr := d.rateLimit(ctx, event.OwnerID)
		if rlErr != nil {
			log.Warn("Rate limiter unavailable, allowing send", zap.Error(rlErr))
		}
		if !allowed {
			log.Info("Channel sends suppressed by per-user rate cap")
			suppressed = true
			outcome = "rate_limited"
		}
	}

	if suppressed {
		if outcome == "delivered" {
			outcome = "suppressed"
		}
		log.Info("Push channels suppressed, recording in-app history only",
			zap.String("event_type", event.EventType),
		)
	} else {
		outcome = d.fanOut(ctx, event, rec, prefs, channels, log)
	}

	// History is written regardless of send outcomes, so the user can
	// always see the alert fired.
	if err := d.persistRecord(ctx, rec); err != nil {
		// Sends may already have happened, so a requeue here would not be
		// idempotent. Keep the claim and surface the event for inspection.
		return fatal("persist notification record", err)
	}

	d.transitionAlert(ctx, rule, event, log)

	d.finish(ctx, event.EventID, outcome)
	return nil
}

// fanOut invokes every applicable sender, deferring EMAIL into the digest
// mailbox during quiet hours or for digest-mode users. Channel failures
// are partial: one channel exhausting its retries never blocks the rest.
func (d *Dispatcher) fanOut(ctx context.Context, event *models.AlertTriggeredEvent, rec *models.NotificationRecord,
	prefs *models.Preferences, channels []models.Channel, log *zap.Logger) string {

	outcome := "delivered"
	quiet := prefs.InQuietHours(d.now())
	batched := prefs.DigestFrequency != "" && prefs.DigestFrequency != models.DigestRealtime

	for _, ch := range channels {
		if ch == models.ChannelEmail && (quiet || batched) {
			if err := d.deferToDigest(ctx, rec); err != nil {
				log.Error("Failed to defer email to digest", zap.Error(err))
				channelFailuresTotal.WithLabelValues(string(ch)).Inc()
				outcome = "partial"
				continue
			}
			log.Info("Email deferred to digest",
				zap.Bool("quiet_hours", quiet),
				zap.String("digest_frequency", string(prefs.DigestFrequency)),
			)
			continue
		}

		sender, ok := d.senders[ch]
		if !ok {
			log.Warn("No sender registered for channel", zap.String("channel", string(ch)))
			continue
		}

		if err := d.sendWithRetry(ctx, sender, rec); err != nil {
			log.Error("Channel delivery failed after retries",
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
			channelFailuresTotal.WithLabelValues(string(ch)).Inc()
			outcome = "partial"
		}
	}
	return outcome
}

// sendWithRetry retries one channel send with capped, jittered
// exponential backoff
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender Sender, rec *models.NotificationRecord) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.BaseRetryDelay
	policy.MaxInterval = d.opts.MaxRetryDelay

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		defer cancel()
		return sender.Send(attemptCtx, rec)
	}

	return backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, d.opts.MaxSendRetries), ctx))
}

func (d *Dispatcher) deferToDigest(ctx context.Context, rec *models.NotificationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.digest.Enqueue(ctx, rec.UserID, payload)
}

// persistRecord retries the history insert briefly; this row is the one
// artifact the pipeline refuses to lose.
func (d *Dispatcher) persistRecord(ctx context.Context, rec *models.NotificationRecord) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.BaseRetryDelay
	policy.MaxInterval = d.opts.MaxRetryDelay

	return backoff.Retry(func() error {
		return d.records.CreateNotification(ctx, rec)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, d.opts.MaxSendRetries), ctx))
}

// transitionAlert applies the lifecycle transition: non-recurring rules
// become TRIGGERED and inert, recurring rules stay ACTIVE with a fresh
// last-triggered timestamp and re-arm baseline.
func (d *Dispatcher) transitionAlert(ctx context.Context, rule *models.AlertRule, event *models.AlertTriggeredEvent, log *zap.Logger) {
	triggeredAt := event.OccurredAt
	computed := computedValueFor(rule, event)

	status := models.StatusActive
	if !rule.IsRecurring {
		status = models.StatusTriggered
	}

	err := d.alerts.UpdateStatus(ctx, rule.ID, status, &triggeredAt, computed, rule.Version)
	if err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			// Another worker or the owner transitioned the rule first;
			// their transition wins.
			log.Warn("Alert transition lost version race", zap.String("status", string(status)))
			return
		}
		log.Error("Failed to transition alert", zap.Error(err))
	}
}

// computedValueFor returns the new re-arm baseline: the percent move for
// PCT_CHANGE rules, nothing for level rules.
func computedValueFor(rule *models.AlertRule, event *models.AlertTriggeredEvent) *float64 {
	if rule.Type != models.AlertTypePctChange || event.PreviousValue == 0 {
		return nil
	}
	pct := (event.CurrentValue - event.PreviousValue) / event.PreviousValue * 100
	return &pct
}

func (d *Dispatcher) finish(ctx context.Context, eventID, outcome string) {
	eventsProcessedTotal.WithLabelValues(outcome).Inc()
	if err := d.claims.RecordOutcome(ctx, eventID, outcome); err != nil {
		logger.Log.Warn("Failed to record claim outcome",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

// deadLetter routes a terminally failed event to the DLQ and acks it.
// The DLQ publish itself failing is the one case where we must requeue,
// because dropping the message would violate the never-silently-lost rule.
func (d *Dispatcher) deadLetter(ctx context.Context, raw []byte, eventID string, terminal error) error {
	logger.Log.Error("Routing event to dead-letter queue",
		zap.String("event_id", eventID),
		zap.Error(terminal),
	)
	if err := d.dlq.Publish(raw, []byte(eventID), terminal); err != nil {
		return fmt.Errorf("dead-letter publish: %v: %w", err, ErrRetryable)
	}
	eventsProcessedTotal.WithLabelValues("dlq").Inc()
	if eventID != "" {
		if err := d.claims.RecordOutcome(ctx, eventID, "dlq"); err != nil {
			logger.Log.Warn("Failed to record DLQ outcome",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func validateEvent(event *models.AlertTriggeredEvent) error {
	switch {
	case event.EventID == "":
		return errors.New("missing event_id")
	case event.AlertID == "":
		return errors.New("missing alert_id")
	case event.OwnerID == "":
		return errors.New("missing owner_id")
	case event.EventType == "":
		return errors.New("missing event_type")
	case event.OccurredAt.IsZero():
		return errors.New("missing occurred_at")
	}
	return nil
}
