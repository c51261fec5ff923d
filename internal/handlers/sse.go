// handlers/sse.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marketalerts/internal/cache"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"
	"marketalerts/internal/senders"

	"go.uber.org/zap"
)

// sseClient is one live in-app connection, bound to a user
type sseClient struct {
	userID string
	ch     chan models.NotificationRecord
}

// SSE Clients
var (
	clients = make(map[*sseClient]bool)
	mu      sync.Mutex
)

// Initialize Redis subscription for live notifications
var liveSubscriber *cache.RedisSubscriber

// InitSSE initializes the SSE system
func InitSSE() {
	var err error
	liveSubscriber, err = cache.NewRedisSubscriber(senders.LiveChannel)
	if err != nil {
		logger.Log.Error("Failed to create Redis subscriber", zap.Error(err))
		return
	}

	// Start listening for published notifications
	go listenForNotifications()
}

// listenForNotifications routes live notifications from Redis to the
// owning user's connected clients. A user with no live connection is not
// an error: the persisted record is their delivery.
func listenForNotifications() {
	logger.Log.Info("Starting to listen for live notifications from Redis")

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		msg, err := liveSubscriber.ReceiveMessage(ctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Log.Error("Error receiving message from Redis", zap.Error(err))
			time.Sleep(1 * time.Second) // Wait before retry
			continue
		}

		var rec models.NotificationRecord
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			logger.Log.Error("Error unmarshaling live notification", zap.Error(err))
			continue
		}

		broadcastToUser(rec)
	}
}

// StreamNotificationsHandler handles SSE connections. Each connection is
// scoped to one user via the user_id query parameter.
func StreamNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{
		userID: userID,
		ch:     make(chan models.NotificationRecord, 10),
	}

	mu.Lock()
	clients[client] = true
	clientCount := len(clients)
	mu.Unlock()

	logger.Log.Info("New SSE client connected",
		zap.String("user_id", userID),
		zap.Int("total_clients", clientCount),
	)

	defer func() {
		mu.Lock()
		delete(clients, client)
		clientCount := len(clients)
		mu.Unlock()
		close(client.ch)
		logger.Log.Info("SSE client disconnected",
			zap.String("user_id", userID),
			zap.Int("total_clients", clientCount),
		)
	}()

	// Send heartbeats to keep connection alive
	go func() {
		heartbeatTicker := time.NewTicker(15 * time.Second)
		defer heartbeatTicker.Stop()

		for {
			select {
			case <-heartbeatTicker.C:
				select {
				case client.ch <- models.NotificationRecord{Type: "heartbeat", CreatedAt: time.Now()}:
					// Heartbeat sent successfully
				default:
					// Channel is blocked or closed, exit goroutine
					return
				}
			case <-r.Context().Done():
				// Request context done, exit goroutine
				return
			}
		}
	}()

	// Stream events to client
	for rec := range client.ch {
		data, err := json.Marshal(rec)
		if err != nil {
			logger.Log.Error("Failed to marshal notification", zap.Error(err))
			continue
		}

		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// broadcastToUser sends a notification to the owner's connected clients
func broadcastToUser(rec models.NotificationRecord) {
	mu.Lock()
	defer mu.Unlock()

	delivered := 0
	for client := range clients {
		if client.userID != rec.UserID {
			continue
		}
		select {
		case client.ch <- rec:
			delivered++
		default:
			logger.Log.Warn("Notification dropped due to slow client",
				zap.String("user_id", rec.UserID),
			)
		}
	}

	if delivered > 0 {
		logger.Log.Info("Live notification delivered",
			zap.String("user_id", rec.UserID),
			zap.String("notification_id", rec.ID),
			zap.Int("connections", delivered),
		)
	}
}
