package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"marketalerts/internal/database"
	"marketalerts/internal/logger"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// NotificationsHandler routes notification history operations.
// URL patterns: /notifications?user_id=..., /notifications/unread?user_id=...,
// /notifications/{id}/read
func NotificationsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	path := strings.TrimPrefix(r.URL.Path, "/notifications")
	path = strings.Trim(path, "/")

	switch {
	case path == "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		BrowseNotificationsHandler(w, r, instance)
	case path == "unread":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		UnreadCountHandler(w, r, instance)
	case strings.HasSuffix(path, "/read"):
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSuffix(path, "/read")
		MarkReadHandler(w, r, id, instance)
	default:
		http.NotFound(w, r)
	}
}

// BrowseNotificationsHandler lists a user's notification history
func BrowseNotificationsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "BrowseNotificationsHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	records, err := database.GetNotificationsByUser(ctx, userID, limit)
	if err != nil {
		logger.Log.Error("Failed to fetch notifications",
			zap.String("trace_id", traceID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch notifications", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Notifications retrieved successfully",
		Data:    records,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// UnreadCountHandler returns the user's unread notification count
func UnreadCountHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "UnreadCountHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	count, err := database.CountUnread(ctx, userID)
	if err != nil {
		logger.Log.Error("Failed to count unread notifications",
			zap.String("trace_id", traceID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		http.Error(w, "Failed to count unread notifications", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Unread count retrieved successfully",
		Data:    map[string]int{"unread": count},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// MarkReadHandler flags a notification as read
func MarkReadHandler(w http.ResponseWriter, r *http.Request, id string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "MarkReadHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	if err := database.MarkNotificationRead(ctx, id, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		logger.Log.Error("Failed to mark notification read",
			zap.String("trace_id", traceID),
			zap.String("notification_id", id),
			zap.Error(err),
		)
		http.Error(w, "Failed to mark notification read", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Notification marked read",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
