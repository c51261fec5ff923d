package database

import (
	"context"
	"database/sql"
	"errors"

	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// GetPreferences loads a user's notification preferences. Users without a
// stored row get the defaults: both channels opted in, no muted event
// types, no quiet hours, realtime delivery.
func GetPreferences(ctx context.Context, userID string) (*models.Preferences, error) {
	query := `
		SELECT user_id, opt_in_channels, disabled_event_types, quiet_hours_start, quiet_hours_end, digest_frequency
		FROM notification_preferences
		WHERE user_id = $1
	`

	var prefs models.Preferences
	var channels, disabled []string
	var quietStart, quietEnd sql.NullString

	err := db.QueryRowContext(ctx, query, userID).Scan(
		&prefs.UserID,
		pq.Array(&channels),
		pq.Array(&disabled),
		&quietStart,
		&quietEnd,
		&prefs.DigestFrequency,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultPreferences(userID), nil
		}
		logger.Log.Error("Failed to retrieve preferences",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}

	prefs.OptInChannels = stringsToChannels(channels)
	prefs.DisabledEventTypes = disabled
	if quietStart.Valid {
		prefs.QuietHoursStart = quietStart.String
	}
	if quietEnd.Valid {
		prefs.QuietHoursEnd = quietEnd.String
	}
	if prefs.DigestFrequency == "" {
		prefs.DigestFrequency = models.DigestRealtime
	}

	return &prefs, nil
}

// UpsertPreferences stores a user's notification preferences
func UpsertPreferences(ctx context.Context, prefs *models.Preferences) error {
	query := `
		INSERT INTO notification_preferences (user_id, opt_in_channels, disabled_event_types, quiet_hours_start, quiet_hours_end, digest_frequency)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			opt_in_channels = EXCLUDED.opt_in_channels,
			disabled_event_types = EXCLUDED.disabled_event_types,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			digest_frequency = EXCLUDED.digest_frequency
	`

	_, err := db.ExecContext(
		ctx,
		query,
		prefs.UserID,
		pq.Array(channelsToStrings(prefs.OptInChannels)),
		pq.Array(prefs.DisabledEventTypes),
		nullIfEmpty(prefs.QuietHoursStart),
		nullIfEmpty(prefs.QuietHoursEnd),
		prefs.DigestFrequency,
	)

	if err != nil {
		logger.Log.Error("Failed to upsert preferences",
			zap.String("user_id", prefs.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func defaultPreferences(userID string) *models.Preferences {
	return &models.Preferences{
		UserID:          userID,
		OptInChannels:   []models.Channel{models.ChannelInApp, models.ChannelEmail},
		DigestFrequency: models.DigestRealtime,
	}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
