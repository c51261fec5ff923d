package dispatcher

import (
	"marketalerts/internal/models"
)

// applicableChannels intersects the rule's configured channels with the
// user's opted-in channels.
func applicableChannels(rule *models.AlertRule, prefs *models.Preferences) []models.Channel {
	var out []models.Channel
	for _, ch := range rule.Channels {
		if prefs.OptedIn(ch) {
			out = append(out, ch)
		}
	}
	return out
}
