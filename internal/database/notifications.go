package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"go.uber.org/zap"
)

// CreateNotification persists a delivery-history row. Called by the
// dispatcher once rendering succeeds, independent of send outcomes.
func CreateNotification(ctx context.Context, rec *models.NotificationRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (id, user_id, alert_id, title, body, type, metadata, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.UserID,
		rec.AlertID,
		rec.Title,
		rec.Body,
		rec.Type,
		metadata,
		rec.IsRead,
		rec.CreatedAt,
	)

	if err != nil {
		logger.Log.Error("Failed to create notification record",
			zap.String("notification_id", rec.ID),
			zap.String("user_id", rec.UserID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// GetNotificationsByUser retrieves a user's notification history, newest first
func GetNotificationsByUser(ctx context.Context, userID string, limit int) ([]*models.NotificationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, user_id, alert_id, title, body, type, metadata, is_read, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		logger.Log.Error("Failed to query notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	var records []*models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		var alertID sql.NullString
		var readAt sql.NullTime
		var metadata []byte

		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&alertID,
			&rec.Title,
			&rec.Body,
			&rec.Type,
			&metadata,
			&rec.IsRead,
			&readAt,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if alertID.Valid {
			val := alertID.String
			rec.AlertID = &val
		}
		if readAt.Valid {
			val := readAt.Time
			rec.ReadAt = &val
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				logger.Log.Warn("Malformed notification metadata",
					zap.String("notification_id", rec.ID),
					zap.Error(err),
				)
			}
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// CountUnread returns the user's unread notification count
func CountUnread(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`

	var count int
	if err := db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		logger.Log.Error("Failed to count unread notifications",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return 0, err
	}
	return count, nil
}

// MarkNotificationRead flags one of the user's notifications as read
func MarkNotificationRead(ctx context.Context, id, userID string) error {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = $1
		WHERE id = $2 AND user_id = $3 AND is_read = FALSE
	`

	result, err := db.ExecContext(ctx, query, time.Now(), id, userID)
	if err != nil {
		logger.Log.Error("Failed to mark notification read",
			zap.String("notification_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
