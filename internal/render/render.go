package render

import (
	"fmt"
	"regexp"
	"strings"

	"marketalerts/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Rendered is a notification template with all placeholders resolved
type Rendered struct {
	Subject string
	Body    string
}

// Render interpolates {{key}} placeholders in the template from the
// metadata map. A placeholder with no matching key is an error rather than
// a silent no-op: a half-rendered notification must never reach a user.
func Render(tpl *models.Template, data map[string]string) (Rendered, error) {
	subject, err := interpolate(tpl.Subject, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("render subject for %s: %w", tpl.EventType, err)
	}
	body, err := interpolate(tpl.Body, data)
	if err != nil {
		return Rendered{}, fmt.Errorf("render body for %s: %w", tpl.EventType, err)
	}
	return Rendered{Subject: subject, Body: body}, nil
}

func interpolate(text string, data map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		val, ok := data[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Metadata builds the interpolation map for an alert-triggered event. The
// same map is stored on the NotificationRecord for UI deep-linking.
func Metadata(event *models.AlertTriggeredEvent) map[string]string {
	data := map[string]string{
		"eventId":       event.EventID,
		"alertId":       event.AlertID,
		"assetId":       event.AssetID,
		"eventType":     event.EventType,
		"currentValue":  formatValue(event.CurrentValue),
		"previousValue": formatValue(event.PreviousValue),
		"threshold":     formatValue(event.Threshold),
		"occurredAt":    event.OccurredAt.UTC().Format("2006-01-02 15:04:05"),
	}
	if event.PreviousValue != 0 {
		data["computedValue"] = formatValue((event.CurrentValue - event.PreviousValue) / event.PreviousValue * 100)
	}
	return data
}

// formatValue trims trailing zeros so "8150.00" renders as "8150" but
// "81.50" keeps its cents.
func formatValue(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}
