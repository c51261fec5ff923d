package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"marketalerts/internal/database"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	os.Exit(m.Run())
}

type statusUpdate struct {
	alertID         string
	status          models.AlertStatus
	lastComputed    *float64
	expectedVersion int64
}

type fakeAlerts struct {
	rule      *models.AlertRule
	getErr    error
	updateErr error
	updates   []statusUpdate
}

func (f *fakeAlerts) GetAlert(ctx context.Context, id string) (*models.AlertRule, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	copied := *f.rule
	return &copied, nil
}

func (f *fakeAlerts) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, lastTriggeredAt *time.Time, lastComputed *float64, expectedVersion int64) error {
	f.updates = append(f.updates, statusUpdate{alertID, status, lastComputed, expectedVersion})
	return f.updateErr
}

type fakePrefs struct {
	prefs *models.Preferences
	err   error
}

func (f *fakePrefs) GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.prefs
	return &copied, nil
}

type fakeTemplates struct {
	tpl *models.Template
	err error
}

func (f *fakeTemplates) GetTemplate(ctx context.Context, eventType string) (*models.Template, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tpl, nil
}

type fakeRecords struct {
	created []*models.NotificationRecord
	err     error
}

func (f *fakeRecords) CreateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, rec)
	return nil
}

type fakeClaims struct {
	alreadyClaimed bool
	claimErr       error
	released       []string
	outcomes       map[string]string
}

func (f *fakeClaims) ClaimOnce(ctx context.Context, eventID string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	return !f.alreadyClaimed, nil
}

func (f *fakeClaims) Release(ctx context.Context, eventID string) error {
	f.released = append(f.released, eventID)
	return nil
}

func (f *fakeClaims) RecordOutcome(ctx context.Context, eventID, outcome string) error {
	if f.outcomes == nil {
		f.outcomes = make(map[string]string)
	}
	f.outcomes[eventID] = outcome
	return nil
}

type fakeSender struct {
	channel models.Channel
	err     error
	sent    []*models.NotificationRecord
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Send(ctx context.Context, rec *models.NotificationRecord) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, rec)
	return nil
}

type fakeDLQ struct {
	published [][]byte
	err       error
}

func (f *fakeDLQ) Publish(original []byte, key []byte, terminalErr error) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, original)
	return nil
}

type fakeDigest struct {
	enqueued map[string][][]byte
	err      error
}

func (f *fakeDigest) Enqueue(ctx context.Context, userID string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.enqueued == nil {
		f.enqueued = make(map[string][][]byte)
	}
	f.enqueued[userID] = append(f.enqueued[userID], payload)
	return nil
}

type fixture struct {
	alerts    *fakeAlerts
	prefs     *fakePrefs
	templates *fakeTemplates
	records   *fakeRecords
	claims    *fakeClaims
	inapp     *fakeSender
	email     *fakeSender
	dlq       *fakeDLQ
	digest    *fakeDigest
	d         *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	asset := "BTC-USD"
	f := &fixture{
		alerts: &fakeAlerts{rule: &models.AlertRule{
			ID:          "alert-1",
			OwnerID:     "user-1",
			AssetID:     &asset,
			Type:        models.AlertTypePrice,
			Condition:   models.ConditionAbove,
			Threshold:   8000,
			Channels:    []models.Channel{models.ChannelInApp, models.ChannelEmail},
			IsRecurring: false,
			Status:      models.StatusActive,
			Version:     3,
		}},
		prefs: &fakePrefs{prefs: &models.Preferences{
			UserID:          "user-1",
			OptInChannels:   []models.Channel{models.ChannelInApp, models.ChannelEmail},
			DigestFrequency: models.DigestRealtime,
		}},
		templates: &fakeTemplates{tpl: &models.Template{
			EventType: "alert.price.above",
			Subject:   "{{assetId}} crossed above {{threshold}}",
			Body:      "{{assetId}} is now {{currentValue}}.",
		}},
		records: &fakeRecords{},
		claims:  &fakeClaims{},
		inapp:   &fakeSender{channel: models.ChannelInApp},
		email:   &fakeSender{channel: models.ChannelEmail},
		dlq:     &fakeDLQ{},
		digest:  &fakeDigest{},
	}

	f.d = New(f.alerts, f.prefs, f.templates, f.records, f.claims,
		[]Sender{f.inapp, f.email}, f.dlq, f.digest, nil,
		Options{
			Cooldown:       5 * time.Minute,
			SendTimeout:    time.Second,
			MaxSendRetries: 1,
			BaseRetryDelay: time.Millisecond,
			MaxRetryDelay:  2 * time.Millisecond,
		})
	return f
}

func triggeredEvent() models.AlertTriggeredEvent {
	return models.AlertTriggeredEvent{
		EventID:       "evt-1",
		AlertID:       "alert-1",
		OwnerID:       "user-1",
		AssetID:       "BTC-USD",
		EventType:     "alert.price.above",
		CurrentValue:  8150,
		PreviousValue: 7900,
		Threshold:     8000,
		OccurredAt:    time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}
}

func rawEvent(t *testing.T, event models.AlertTriggeredEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}

func TestProcessDeliversOnAllChannels(t *testing.T) {
	f := newFixture(t)

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "BTC-USD crossed above 8000", f.inapp.sent[0].Title)
	assert.Equal(t, "BTC-USD is now 8150.", f.inapp.sent[0].Body)

	require.Len(t, f.records.created, 1)
	assert.Equal(t, "user-1", f.records.created[0].UserID)
	assert.Equal(t, "delivered", f.claims.outcomes["evt-1"])
}

func TestProcessDiscardsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.claims.alreadyClaimed = true

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	assert.Empty(t, f.email.sent)
	assert.Empty(t, f.records.created)
	assert.Empty(t, f.alerts.updates)
}

func TestProcessDeadLettersMalformedPayload(t *testing.T) {
	f := newFixture(t)

	err := f.d.Process(context.Background(), []byte("{not json"))
	require.NoError(t, err)

	require.Len(t, f.dlq.published, 1)
	assert.Empty(t, f.inapp.sent)
}

func TestProcessDeadLettersInvalidEvent(t *testing.T) {
	f := newFixture(t)
	event := triggeredEvent()
	event.OwnerID = ""

	err := f.d.Process(context.Background(), rawEvent(t, event))
	require.NoError(t, err)

	require.Len(t, f.dlq.published, 1)
}

func TestProcessDeadLettersMissingTemplate(t *testing.T) {
	f := newFixture(t)
	f.templates.err = database.ErrNotFound

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.dlq.published, 1)
	assert.Equal(t, "dlq", f.claims.outcomes["evt-1"])
	// Terminal failure keeps the claim: a redelivery must not reprocess.
	assert.Empty(t, f.claims.released)
}

func TestProcessRequeuesWhenDLQUnavailable(t *testing.T) {
	f := newFixture(t)
	f.templates.err = database.ErrNotFound
	f.dlq.err = errors.New("broker down")

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.ErrorIs(t, err, ErrRetryable)
}

func TestProcessReleasesClaimOnTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.alerts.getErr = errors.New("connection refused")

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.ErrorIs(t, err, ErrRetryable)

	assert.Equal(t, []string{"evt-1"}, f.claims.released)
	assert.Empty(t, f.dlq.published)
	assert.Empty(t, f.inapp.sent)
}

func TestProcessDeadLettersUnresolvableAlert(t *testing.T) {
	f := newFixture(t)
	f.alerts.getErr = database.ErrNotFound

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.dlq.published, 1)
	assert.Empty(t, f.claims.released)
}

func TestProcessDiscardsStaleEventForTriggeredAlert(t *testing.T) {
	f := newFixture(t)
	f.alerts.rule.Status = models.StatusTriggered

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	assert.Empty(t, f.records.created)
	assert.Equal(t, "stale", f.claims.outcomes["evt-1"])
}

func TestProcessSuppressesRecurringWithinCooldown(t *testing.T) {
	f := newFixture(t)
	event := triggeredEvent()
	last := event.OccurredAt.Add(-time.Minute)
	f.alerts.rule.IsRecurring = true
	f.alerts.rule.LastTriggeredAt = &last

	err := f.d.Process(context.Background(), rawEvent(t, event))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	assert.Empty(t, f.records.created)
	assert.Equal(t, "cooldown", f.claims.outcomes["evt-1"])
}

func TestProcessDeliversRecurringPastCooldown(t *testing.T) {
	f := newFixture(t)
	event := triggeredEvent()
	last := event.OccurredAt.Add(-time.Hour)
	f.alerts.rule.IsRecurring = true
	f.alerts.rule.LastTriggeredAt = &last

	err := f.d.Process(context.Background(), rawEvent(t, event))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	require.Len(t, f.alerts.updates, 1)
	assert.Equal(t, models.StatusActive, f.alerts.updates[0].status)
}

func TestProcessSuppressedEventTypeStillRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.prefs.prefs.DisabledEventTypes = []string{"alert.price.above"}

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	assert.Empty(t, f.email.sent)
	require.Len(t, f.records.created, 1)
	assert.Equal(t, "suppressed", f.claims.outcomes["evt-1"])
}

func TestProcessEmailOptOutStillDeliversInApp(t *testing.T) {
	f := newFixture(t)
	f.prefs.prefs.OptInChannels = []models.Channel{models.ChannelInApp}

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	assert.Empty(t, f.email.sent)
	assert.Empty(t, f.digest.enqueued)
	require.Len(t, f.records.created, 1)
}

func TestProcessNoOptInChannelsStillRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.prefs.prefs.OptInChannels = nil

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	assert.Empty(t, f.email.sent)
	require.Len(t, f.records.created, 1)
}

func TestProcessRateLimitedStillRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.d.rateLimit = func(ctx context.Context, userID string) (bool, error) {
		return false, nil
	}

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	assert.Empty(t, f.inapp.sent)
	require.Len(t, f.records.created, 1)
	assert.Equal(t, "rate_limited", f.claims.outcomes["evt-1"])
}

func TestProcessDefersEmailDuringQuietHours(t *testing.T) {
	f := newFixture(t)
	f.prefs.prefs.QuietHoursStart = "22:00"
	f.prefs.prefs.QuietHoursEnd = "07:00"
	f.d.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	}

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	// In-app delivery is exempt from quiet hours.
	require.Len(t, f.inapp.sent, 1)
	assert.Empty(t, f.email.sent)
	require.Len(t, f.digest.enqueued["user-1"], 1)

	var deferred models.NotificationRecord
	require.NoError(t, json.Unmarshal(f.digest.enqueued["user-1"][0], &deferred))
	assert.Equal(t, "BTC-USD crossed above 8000", deferred.Title)
}

func TestProcessDefersEmailForDigestUsers(t *testing.T) {
	f := newFixture(t)
	f.prefs.prefs.DigestFrequency = models.DigestHourly

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	assert.Empty(t, f.email.sent)
	require.Len(t, f.digest.enqueued["user-1"], 1)
}

func TestProcessPartialChannelFailureStillAcks(t *testing.T) {
	f := newFixture(t)
	f.email.err = errors.New("relay unavailable")

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	require.Len(t, f.records.created, 1)
	assert.Equal(t, "partial", f.claims.outcomes["evt-1"])
}

func TestProcessDeadLettersWhenHistoryPersistFails(t *testing.T) {
	f := newFixture(t)
	f.records.err = errors.New("db down")

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	// Sends already happened, so the event must not requeue.
	require.Len(t, f.dlq.published, 1)
	assert.Empty(t, f.claims.released)
}

func TestProcessTransitionsNonRecurringToTriggered(t *testing.T) {
	f := newFixture(t)

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.alerts.updates, 1)
	update := f.alerts.updates[0]
	assert.Equal(t, "alert-1", update.alertID)
	assert.Equal(t, models.StatusTriggered, update.status)
	assert.Equal(t, int64(3), update.expectedVersion)
	assert.Nil(t, update.lastComputed)
}

func TestProcessRecurringPctChangeResetsBaseline(t *testing.T) {
	f := newFixture(t)
	f.alerts.rule.Type = models.AlertTypePctChange
	f.alerts.rule.Condition = models.ConditionPctUp
	f.alerts.rule.Threshold = 2.0
	f.alerts.rule.IsRecurring = true
	f.templates.tpl = &models.Template{
		EventType: "alert.pct_change.up",
		Subject:   "{{assetId}} up {{computedValue}}%",
		Body:      "{{assetId}} gained {{computedValue}}%.",
	}

	event := triggeredEvent()
	event.EventType = "alert.pct_change.up"
	event.CurrentValue = 8150
	event.PreviousValue = 8000

	err := f.d.Process(context.Background(), rawEvent(t, event))
	require.NoError(t, err)

	require.Len(t, f.alerts.updates, 1)
	update := f.alerts.updates[0]
	assert.Equal(t, models.StatusActive, update.status)
	require.NotNil(t, update.lastComputed)
	assert.InDelta(t, 1.875, *update.lastComputed, 1e-9)
}

func TestProcessVersionConflictStillDelivers(t *testing.T) {
	f := newFixture(t)
	f.alerts.updateErr = database.ErrVersionConflict

	err := f.d.Process(context.Background(), rawEvent(t, triggeredEvent()))
	require.NoError(t, err)

	require.Len(t, f.inapp.sent, 1)
	require.Len(t, f.records.created, 1)
	assert.Equal(t, "delivered", f.claims.outcomes["evt-1"])
}

func TestApplicableChannelsIntersectsRuleAndPrefs(t *testing.T) {
	asset := "BTC-USD"
	rule := &models.AlertRule{
		AssetID:  &asset,
		Channels: []models.Channel{models.ChannelInApp, models.ChannelEmail},
	}
	prefs := &models.Preferences{
		OptInChannels: []models.Channel{models.ChannelEmail},
	}

	got := applicableChannels(rule, prefs)
	assert.Equal(t, []models.Channel{models.ChannelEmail}, got)
}

// ctxClaims honors context cancellation the way the real Redis client
// does: every call fails once the context is dead.
type ctxClaims struct {
	held map[string]bool
}

func (c *ctxClaims) ClaimOnce(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.held[eventID] {
		return false, nil
	}
	c.held[eventID] = true
	return true, nil
}

func (c *ctxClaims) Release(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(c.held, eventID)
	return nil
}

func (c *ctxClaims) RecordOutcome(ctx context.Context, eventID, outcome string) error {
	return ctx.Err()
}

// cancellingAlerts simulates a shutdown landing mid-event: the first
// lookup cancels the caller's context and fails like a ctx-bound driver
// call would. Later lookups behave normally.
type cancellingAlerts struct {
	inner  *fakeAlerts
	cancel context.CancelFunc
	fired  bool
}

func (a *cancellingAlerts) GetAlert(ctx context.Context, id string) (*models.AlertRule, error) {
	if !a.fired {
		a.fired = true
		a.cancel()
		return nil, ctx.Err()
	}
	return a.inner.GetAlert(ctx, id)
}

func (a *cancellingAlerts) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, lastTriggeredAt *time.Time, lastComputed *float64, expectedVersion int64) error {
	return a.inner.UpdateStatus(ctx, alertID, status, lastTriggeredAt, lastComputed, expectedVersion)
}

func TestProcessShutdownMidEventDoesNotLoseNotification(t *testing.T) {
	f := newFixture(t)
	claims := &ctxClaims{held: map[string]bool{}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alerts := &cancellingAlerts{inner: f.alerts, cancel: cancel}

	d := New(alerts, f.prefs, f.templates, f.records, claims,
		[]Sender{f.inapp, f.email}, f.dlq, f.digest, nil,
		Options{
			SendTimeout:    time.Second,
			MaxSendRetries: 1,
			BaseRetryDelay: time.Millisecond,
			MaxRetryDelay:  2 * time.Millisecond,
		})

	raw := rawEvent(t, triggeredEvent())

	// The context dies mid-event. The attempt must come back retryable
	// with the claim released; a claim left to expire would turn the
	// redelivery into a silent duplicate.
	err := d.Process(ctx, raw)
	require.ErrorIs(t, err, ErrRetryable)
	assert.Empty(t, claims.held)

	// Redelivery under a fresh context claims again and delivers.
	require.NoError(t, d.Process(context.Background(), raw))
	require.Len(t, f.records.created, 1)
	require.Len(t, f.inapp.sent, 1)
	require.Len(t, f.email.sent, 1)
}
