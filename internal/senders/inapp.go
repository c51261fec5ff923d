package senders

import (
	"context"
	"encoding/json"

	"marketalerts/internal/cache"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"go.uber.org/zap"
)

// InAppSender pushes notifications to currently connected clients via
// Redis pub/sub; the HTTP gateway fans out to that user's SSE streams.
// A user with no live connection still gets the persisted record, which
// is the delivery of last resort for this channel.
type InAppSender struct{}

func NewInAppSender() *InAppSender {
	return &InAppSender{}
}

func (s *InAppSender) Channel() models.Channel {
	return models.ChannelInApp
}

func (s *InAppSender) Send(ctx context.Context, rec *models.NotificationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		recordSend(models.ChannelInApp, err)
		return err
	}

	err = cache.PublishMessage(ctx, LiveChannel, string(payload))
	recordSend(models.ChannelInApp, err)
	if err != nil {
		logger.Log.Error("Failed to publish in-app notification",
			zap.String("notification_id", rec.ID),
			zap.String("user_id", rec.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
