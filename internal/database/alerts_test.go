package database

import (
	"context"
	"os"
	"testing"
	"time"

	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	logger.Log = zap.NewNop()
	os.Exit(m.Run())
}

func newMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	SetDB(handle)
	t.Cleanup(func() { handle.Close() })
	return mock
}

var alertColumnList = []string{
	"id", "owner_id", "asset_id", "type", "condition", "threshold", "channels",
	"is_recurring", "status", "last_triggered_at", "last_computed_value",
	"version", "created_at", "updated_at",
}

func TestFindActiveAlertsFor(t *testing.T) {
	mock := newMockDB(t)
	now := time.Now()

	rows := sqlmock.NewRows(alertColumnList).
		AddRow("alert-1", "user-1", "BTC-USD", "PRICE", "ABOVE", 8000.0,
			[]byte("{IN_APP,EMAIL}"), false, "ACTIVE", nil, nil, int64(1), now, now).
		AddRow("alert-2", "user-2", "BTC-USD", "PRICE", "BELOW", 7500.0,
			[]byte("{EMAIL}"), true, "ACTIVE", now, nil, int64(4), now, now)

	mock.ExpectQuery("SELECT (.+) FROM alert_rules").
		WithArgs("BTC-USD").
		WillReturnRows(rows)

	alerts, err := FindActiveAlertsFor(context.Background(), "BTC-USD")
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, "alert-1", alerts[0].ID)
	require.NotNil(t, alerts[0].AssetID)
	assert.Equal(t, "BTC-USD", *alerts[0].AssetID)
	assert.Equal(t, []models.Channel{models.ChannelInApp, models.ChannelEmail}, alerts[0].Channels)
	assert.Nil(t, alerts[0].LastTriggeredAt)

	assert.True(t, alerts[1].IsRecurring)
	assert.NotNil(t, alerts[1].LastTriggeredAt)
	assert.Equal(t, int64(4), alerts[1].Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertByIDNotFound(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectQuery("SELECT (.+) FROM alert_rules WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(alertColumnList))

	_, err := GetAlertByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlert(t *testing.T) {
	mock := newMockDB(t)
	now := time.Now()
	asset := "BTC-USD"

	alert := &models.AlertRule{
		ID:        "alert-1",
		OwnerID:   "user-1",
		AssetID:   &asset,
		Type:      models.AlertTypePrice,
		Condition: models.ConditionAbove,
		Threshold: 8000,
		Channels:  []models.Channel{models.ChannelInApp},
		Status:    models.StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO alert_rules").
		WithArgs(alert.ID, alert.OwnerID, alert.AssetID, alert.Type, alert.Condition,
			alert.Threshold, sqlmock.AnyArg(), alert.IsRecurring, alert.Status,
			alert.Version, alert.CreatedAt, alert.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, CreateAlert(context.Background(), alert))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertStatusHappyPath(t *testing.T) {
	mock := newMockDB(t)
	triggeredAt := time.Now()
	computed := 2.5

	mock.ExpectExec("UPDATE alert_rules").
		WithArgs(models.StatusTriggered, triggeredAt, computed, sqlmock.AnyArg(), "alert-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := UpdateAlertStatus(context.Background(), "alert-1", models.StatusTriggered, &triggeredAt, &computed, 3)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertStatusVersionConflict(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectExec("UPDATE alert_rules").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := UpdateAlertStatus(context.Background(), "alert-1", models.StatusTriggered, nil, nil, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRearmAlertWritesBaseline(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectExec("UPDATE alert_rules").
		WithArgs(1.0, sqlmock.AnyArg(), "alert-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, RearmAlert(context.Background(), "alert-1", 1.0, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRearmAlertVersionConflict(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectExec("UPDATE alert_rules").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := RearmAlert(context.Background(), "alert-1", 1.0, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAlertNotFound(t *testing.T) {
	mock := newMockDB(t)

	mock.ExpectExec("DELETE FROM alert_rules").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, DeleteAlert(context.Background(), "missing"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
