package models

import (
	"time"
)

// AlertType classifies what market quantity an alert watches
type AlertType string

const (
	AlertTypePrice     AlertType = "PRICE"
	AlertTypePctChange AlertType = "PCT_CHANGE"
	AlertTypeDollar    AlertType = "DOLLAR"
	AlertTypeRisk      AlertType = "RISK"
)

// AlertCondition is the trigger predicate applied against the threshold
type AlertCondition string

const (
	ConditionAbove   AlertCondition = "ABOVE"
	ConditionBelow   AlertCondition = "BELOW"
	ConditionCrosses AlertCondition = "CROSSES"
	ConditionPctUp   AlertCondition = "PCT_UP"
	ConditionPctDown AlertCondition = "PCT_DOWN"
)

// AlertStatus is the lifecycle state of an alert rule
type AlertStatus string

const (
	StatusActive    AlertStatus = "ACTIVE"
	StatusPaused    AlertStatus = "PAUSED"
	StatusTriggered AlertStatus = "TRIGGERED"
	StatusExpired   AlertStatus = "EXPIRED"
)

// Channel is a delivery channel for notifications
type Channel string

const (
	ChannelInApp Channel = "IN_APP"
	ChannelEmail Channel = "EMAIL"
)

// DigestFrequency controls email batching for a user
type DigestFrequency string

const (
	DigestRealtime DigestFrequency = "REALTIME"
	DigestHourly   DigestFrequency = "HOURLY"
	DigestDaily    DigestFrequency = "DAILY"
)

// AlertRule represents a user-configured market alert
type AlertRule struct {
	ID                string         `json:"id" db:"id"`
	OwnerID           string         `json:"owner_id" db:"owner_id"`
	AssetID           *string        `json:"asset_id,omitempty" db:"asset_id"` // nil for FX/risk alerts
	Type              AlertType      `json:"type" db:"type"`
	Condition         AlertCondition `json:"condition" db:"condition"`
	Threshold         float64        `json:"threshold" db:"threshold"`
	Channels          []Channel      `json:"channels" db:"channels"`
	IsRecurring       bool           `json:"is_recurring" db:"is_recurring"`
	Status            AlertStatus    `json:"status" db:"status"`
	LastTriggeredAt   *time.Time     `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	LastComputedValue *float64       `json:"last_computed_value,omitempty" db:"last_computed_value"` // re-arm baseline for PCT_CHANGE
	Version           int64          `json:"version" db:"version"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// SubjectKey returns the evaluation key a market tick is matched on:
// the asset id for asset-bound alerts, otherwise the quote type.
func (a *AlertRule) SubjectKey() string {
	if a.AssetID != nil && *a.AssetID != "" {
		return *a.AssetID
	}
	return string(a.Type)
}

// HasChannel reports whether the rule is configured for the given channel
func (a *AlertRule) HasChannel(c Channel) bool {
	for _, ch := range a.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// MarketTick is a single market-data observation from ingestion.
// PreviousValue is the last observation for the same subject, needed
// for edge-triggered evaluation.
type MarketTick struct {
	Subject       string    `json:"subject"` // asset id or quote type
	Value         float64   `json:"value"`
	PreviousValue float64   `json:"previous_value"`
	ObservedAt    time.Time `json:"observed_at"`
}

// AlertTriggeredEvent is the queue message between evaluation and delivery.
// EventID is deterministic so a replayed tick produces the same id.
type AlertTriggeredEvent struct {
	EventID       string    `json:"event_id"`
	AlertID       string    `json:"alert_id"`
	OwnerID       string    `json:"owner_id"`
	AssetID       string    `json:"asset_id"`
	EventType     string    `json:"event_type"` // maps to a template key, e.g. alert.price.above
	CurrentValue  float64   `json:"current_value"`
	PreviousValue float64   `json:"previous_value"`
	Threshold     float64   `json:"threshold"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NotificationRecord is the persisted delivery history row
type NotificationRecord struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	AlertID   *string           `json:"alert_id,omitempty" db:"alert_id"` // nil for non-alert notifications
	Title     string            `json:"title" db:"title"`
	Body      string            `json:"body" db:"body"`
	Type      string            `json:"type" db:"type"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"metadata"`
	IsRead    bool              `json:"is_read" db:"is_read"`
	ReadAt    *time.Time        `json:"read_at,omitempty" db:"read_at"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// Preferences holds a user's notification settings
type Preferences struct {
	UserID             string          `json:"user_id" db:"user_id"`
	OptInChannels      []Channel       `json:"opt_in_channels" db:"opt_in_channels"`
	DisabledEventTypes []string        `json:"disabled_event_types" db:"disabled_event_types"`
	QuietHoursStart    string          `json:"quiet_hours_start" db:"quiet_hours_start"` // "HH:MM", empty = no quiet hours
	QuietHoursEnd      string          `json:"quiet_hours_end" db:"quiet_hours_end"`
	DigestFrequency    DigestFrequency `json:"digest_frequency" db:"digest_frequency"`
}

// OptedIn reports whether the user accepts delivery on the given channel
func (p *Preferences) OptedIn(c Channel) bool {
	for _, ch := range p.OptInChannels {
		if ch == c {
			return true
		}
	}
	return false
}

// InQuietHours reports whether now falls inside the user's quiet-hours
// window [start, end). The window may cross midnight; an empty or
// malformed start or end disables quiet hours.
func (p *Preferences) InQuietHours(now time.Time) bool {
	startMin, okS := parseClock(p.QuietHoursStart)
	endMin, okE := parseClock(p.QuietHoursEnd)
	if !okS || !okE || startMin == endMin {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Window crosses midnight, e.g. 22:00 - 07:00
	return nowMin >= startMin || nowMin < endMin
}

// parseClock parses "HH:MM" into minutes since midnight
func parseClock(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// EventTypeDisabled reports whether the user muted this event type
func (p *Preferences) EventTypeDisabled(eventType string) bool {
	for _, t := range p.DisabledEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Template is a stored notification template keyed by event type
type Template struct {
	EventType string `json:"event_type" db:"event_type"`
	Subject   string `json:"subject" db:"subject"`
	Body      string `json:"body" db:"body"`
}

// EventTypeFor maps an alert's type and condition to its template key
func EventTypeFor(t AlertType, c AlertCondition) string {
	var kind string
	switch t {
	case AlertTypePrice:
		kind = "price"
	case AlertTypePctChange:
		kind = "pct_change"
	case AlertTypeDollar:
		kind = "dollar"
	case AlertTypeRisk:
		kind = "risk"
	default:
		kind = "unknown"
	}
	var cond string
	switch c {
	case ConditionAbove:
		cond = "above"
	case ConditionBelow:
		cond = "below"
	case ConditionCrosses:
		cond = "crosses"
	case ConditionPctUp:
		cond = "up"
	case ConditionPctDown:
		cond = "down"
	default:
		cond = "unknown"
	}
	return "alert." + kind + "." + cond
}
