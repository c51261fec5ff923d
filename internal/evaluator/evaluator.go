package evaluator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"marketalerts/internal/models"
)

// Result is the outcome of evaluating one rule against one tick
type Result struct {
	Triggered bool
	// Computed is the value the condition was judged on: the tick value
	// for level conditions, the percent change for PCT_CHANGE rules.
	Computed float64
	// Rearm is set for PCT_CHANGE rules when the move has fallen back
	// within the threshold while the stored baseline is still past it.
	// The caller must persist Computed as the new baseline, or the rule
	// stays disarmed forever: the baseline is only otherwise written at
	// trigger time, to a value past the threshold by definition.
	Rearm bool
}

// Evaluate applies an alert rule to a market tick. It is pure: no I/O, no
// clock, safe to call concurrently for different rules.
//
// All conditions are edge-triggered: they fire on the transition into the
// condition, not on every tick where the condition holds. Without that, a
// sustained move above a threshold would fire on every tick.
func Evaluate(rule *models.AlertRule, tick models.MarketTick) Result {
	if rule.Status != models.StatusActive {
		return Result{}
	}

	switch rule.Type {
	case models.AlertTypePctChange:
		return evaluatePctChange(rule, tick)
	default:
		return evaluateLevel(rule, tick)
	}
}

// evaluateLevel handles PRICE, DOLLAR and RISK rules, which all compare the
// raw tick value against the threshold.
func evaluateLevel(rule *models.AlertRule, tick models.MarketTick) Result {
	t := rule.Threshold
	cur, prev := tick.Value, tick.PreviousValue

	switch rule.Condition {
	case models.ConditionAbove:
		return Result{Triggered: cur > t && prev <= t, Computed: cur}
	case models.ConditionBelow:
		return Result{Triggered: cur < t && prev >= t, Computed: cur}
	case models.ConditionCrosses:
		crossedUp := cur > t && prev <= t
		crossedDown := cur < t && prev >= t
		return Result{Triggered: crossedUp || crossedDown, Computed: cur}
	default:
		return Result{Computed: cur}
	}
}

// evaluatePctChange handles PCT_UP / PCT_DOWN. The computed value is the
// percent move of this tick relative to the previous observation. The edge
// is judged against the rule's stored last computed value, which resets to
// the computed value at each trigger, so a single sustained move fires once
// and a fresh excursion past the threshold fires again.
func evaluatePctChange(rule *models.AlertRule, tick models.MarketTick) Result {
	if tick.PreviousValue == 0 {
		return Result{}
	}
	computed := (tick.Value - tick.PreviousValue) / tick.PreviousValue * 100

	baseline := 0.0
	if rule.LastComputedValue != nil {
		baseline = *rule.LastComputedValue
	}

	t := rule.Threshold
	switch rule.Condition {
	case models.ConditionPctUp:
		return Result{
			Triggered: computed > t && baseline <= t,
			Computed:  computed,
			Rearm:     computed <= t && baseline > t,
		}
	case models.ConditionPctDown:
		return Result{
			Triggered: computed < t && baseline >= t,
			Computed:  computed,
			Rearm:     computed >= t && baseline < t,
		}
	default:
		return Result{Computed: computed}
	}
}

// EventID derives a deterministic id from the triggering facts, so that
// re-evaluating the same tick after a crash and replay produces the same
// key and the idempotency guard collapses the duplicates.
func EventID(alertID string, observedAt time.Time, currentValue float64) string {
	seed := fmt.Sprintf("%s|%d|%.8f", alertID, observedAt.UTC().Truncate(time.Second).Unix(), currentValue)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:16])
}

// BuildEvent assembles the queue message for a triggered rule. The event
// carries the rule's own subject key rather than the tick's: for
// asset-bound rules they are the same, for unbound FX/risk rules the key
// is the quote type the rule matched on.
func BuildEvent(rule *models.AlertRule, tick models.MarketTick, res Result) models.AlertTriggeredEvent {
	return models.AlertTriggeredEvent{
		EventID:       EventID(rule.ID, tick.ObservedAt, tick.Value),
		AlertID:       rule.ID,
		OwnerID:       rule.OwnerID,
		AssetID:       rule.SubjectKey(),
		EventType:     models.EventTypeFor(rule.Type, rule.Condition),
		CurrentValue:  tick.Value,
		PreviousValue: tick.PreviousValue,
		Threshold:     rule.Threshold,
		OccurredAt:    tick.ObservedAt,
	}
}
