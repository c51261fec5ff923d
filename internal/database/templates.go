package database

import (
	"context"
	"database/sql"
	"errors"

	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"go.uber.org/zap"
)

// GetTemplate looks up the notification template for an event type.
// Returns ErrNotFound for unknown event types; the dispatcher treats that
// as fatal for the event rather than guessing a default.
func GetTemplate(ctx context.Context, eventType string) (*models.Template, error) {
	query := `SELECT event_type, subject, body FROM notification_templates WHERE event_type = $1`

	var tpl models.Template
	err := db.QueryRowContext(ctx, query, eventType).Scan(&tpl.EventType, &tpl.Subject, &tpl.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		logger.Log.Error("Failed to retrieve template",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return nil, err
	}

	return &tpl, nil
}
