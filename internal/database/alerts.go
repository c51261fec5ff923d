package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const alertColumns = `id, owner_id, asset_id, type, condition, threshold, channels,
	is_recurring, status, last_triggered_at, last_computed_value, version, created_at, updated_at`

// CreateAlert inserts a new alert rule into the database
func CreateAlert(ctx context.Context, alert *models.AlertRule) error {
	query := `
		INSERT INTO alert_rules (id, owner_id, asset_id, type, condition, threshold, channels,
			is_recurring, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := db.ExecContext(
		ctx,
		query,
		alert.ID,
		alert.OwnerID,
		alert.AssetID,
		alert.Type,
		alert.Condition,
		alert.Threshold,
		pq.Array(channelsToStrings(alert.Channels)),
		alert.IsRecurring,
		alert.Status,
		alert.Version,
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		logger.Log.Error("Failed to create alert in database",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// GetAlertByID retrieves an alert rule by its ID
func GetAlertByID(ctx context.Context, id string) (*models.AlertRule, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_rules WHERE id = $1`

	alert, err := scanAlert(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		logger.Log.Error("Failed to retrieve alert",
			zap.String("alert_id", id),
			zap.Error(err),
		)
		return nil, err
	}
	return alert, nil
}

// GetAlertsByUserID retrieves all alert rules owned by a user
func GetAlertsByUserID(ctx context.Context, userID string) ([]*models.AlertRule, error) {
	query := `SELECT ` + alertColumns + ` FROM alert_rules WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Log.Error("Failed to query alerts by user ID",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// FindActiveAlertsFor retrieves the ACTIVE alert rules watching a subject:
// asset-bound rules matching the asset id, plus unbound FX/risk rules
// whose alert type matches the quote type. PAUSED, TRIGGERED and EXPIRED
// rules never evaluate.
func FindActiveAlertsFor(ctx context.Context, subject string) ([]*models.AlertRule, error) {
	query := `SELECT ` + alertColumns + `
		FROM alert_rules
		WHERE status = 'ACTIVE' AND (asset_id = $1 OR (asset_id IS NULL AND type = $1))
		ORDER BY created_at`

	rows, err := db.QueryContext(ctx, query, subject)
	if err != nil {
		logger.Log.Error("Failed to query active alerts",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// UpdateAlertStatus applies a lifecycle transition with an optimistic
// version check. Returns ErrVersionConflict when another worker already
// transitioned the same rule.
func UpdateAlertStatus(ctx context.Context, alertID string, status models.AlertStatus, lastTriggeredAt *time.Time, lastComputed *float64, expectedVersion int64) error {
	query := `
		UPDATE alert_rules
		SET status = $1,
			last_triggered_at = COALESCE($2, last_triggered_at),
			last_computed_value = COALESCE($3, last_computed_value),
			version = version + 1,
			updated_at = $4
		WHERE id = $5 AND version = $6
	`

	result, err := db.ExecContext(ctx, query, status, lastTriggeredAt, lastComputed, time.Now(), alertID, expectedVersion)
	if err != nil {
		logger.Log.Error("Failed to update alert status",
			zap.String("alert_id", alertID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// RearmAlert lowers a PCT_CHANGE rule's re-arm baseline once the move has
// fallen back within the threshold. The baseline is otherwise only written
// at trigger time, to a value past the threshold, so without this write a
// recurring percent rule would never fire a second time. Guarded by the
// same optimistic version check as status transitions.
func RearmAlert(ctx context.Context, alertID string, computed float64, expectedVersion int64) error {
	query := `
		UPDATE alert_rules
		SET last_computed_value = $1,
			version = version + 1,
			updated_at = $2
		WHERE id = $3 AND version = $4
	`

	result, err := db.ExecContext(ctx, query, computed, time.Now(), alertID, expectedVersion)
	if err != nil {
		logger.Log.Error("Failed to rearm alert",
			zap.String("alert_id", alertID),
			zap.Float64("computed", computed),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateAlert updates a rule's user-editable fields
func UpdateAlert(ctx context.Context, alert *models.AlertRule) error {
	query := `
		UPDATE alert_rules
		SET asset_id = $1, type = $2, condition = $3, threshold = $4, channels = $5,
			is_recurring = $6, updated_at = $7
		WHERE id = $8
	`

	_, err := db.ExecContext(
		ctx,
		query,
		alert.AssetID,
		alert.Type,
		alert.Condition,
		alert.Threshold,
		pq.Array(channelsToStrings(alert.Channels)),
		alert.IsRecurring,
		alert.UpdatedAt,
		alert.ID,
	)

	if err != nil {
		logger.Log.Error("Failed to update alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// DeleteAlert deletes an alert rule by ID
func DeleteAlert(ctx context.Context, id string) error {
	query := `DELETE FROM alert_rules WHERE id = $1`

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		logger.Log.Error("Failed to delete alert",
			zap.String("alert_id", id),
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.AlertRule, error) {
	var alert models.AlertRule
	var assetID sql.NullString
	var lastTriggeredAt sql.NullTime
	var lastComputed sql.NullFloat64
	var channels []string

	err := row.Scan(
		&alert.ID,
		&alert.OwnerID,
		&assetID,
		&alert.Type,
		&alert.Condition,
		&alert.Threshold,
		pq.Array(&channels),
		&alert.IsRecurring,
		&alert.Status,
		&lastTriggeredAt,
		&lastComputed,
		&alert.Version,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Convert nullable fields
	if assetID.Valid {
		val := assetID.String
		alert.AssetID = &val
	}
	if lastTriggeredAt.Valid {
		val := lastTriggeredAt.Time
		alert.LastTriggeredAt = &val
	}
	if lastComputed.Valid {
		val := lastComputed.Float64
		alert.LastComputedValue = &val
	}
	alert.Channels = stringsToChannels(channels)

	return &alert, nil
}

// Helper function to scan alert rows
func scanAlerts(rows *sql.Rows) ([]*models.AlertRule, error) {
	var alerts []*models.AlertRule

	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}

func channelsToStrings(channels []models.Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, string(c))
	}
	return out
}

func stringsToChannels(values []string) []models.Channel {
	out := make([]models.Channel, 0, len(values))
	for _, v := range values {
		out = append(out, models.Channel(v))
	}
	return out
}
