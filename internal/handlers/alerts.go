package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"marketalerts/internal/cache"
	"marketalerts/internal/database"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type CreateAlertRequest struct {
	OwnerID     string           `json:"owner_id"`
	AssetID     *string          `json:"asset_id,omitempty"`
	Type        models.AlertType `json:"type"`
	Condition   models.AlertCondition `json:"condition"`
	Threshold   *float64         `json:"threshold"`
	Channels    []models.Channel `json:"channels"`
	IsRecurring bool             `json:"is_recurring"`
}

type UpdateAlertRequest struct {
	AssetID     *string               `json:"asset_id,omitempty"`
	Condition   models.AlertCondition `json:"condition,omitempty"`
	Threshold   *float64              `json:"threshold,omitempty"`
	Channels    []models.Channel      `json:"channels,omitempty"`
	IsRecurring *bool                 `json:"is_recurring,omitempty"`
}

// AlertsHandler handles all alert operations based on the HTTP method
func AlertsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	// Extract ID from path if present (for GET, PUT, DELETE on specific alert)
	// URL pattern: /alerts/{id} or /alerts/{id}/pause|resume
	path := r.URL.Path
	pathParts := strings.Split(path, "/")

	// Root alerts endpoint
	if len(pathParts) <= 2 || pathParts[2] == "" {
		// Handle collection endpoints
		switch r.Method {
		case http.MethodGet:
			BrowseAlertsHandler(w, r, instance)
		case http.MethodPost:
			CreateAlertHandler(w, r, instance)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// Get alert ID from path
	alertID := pathParts[2]

	// Lifecycle sub-resources: /alerts/{id}/pause, /alerts/{id}/resume
	if len(pathParts) > 3 && pathParts[3] != "" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch pathParts[3] {
		case "pause":
			TransitionAlertHandler(w, r, alertID, models.StatusPaused, instance)
		case "resume":
			TransitionAlertHandler(w, r, alertID, models.StatusActive, instance)
		default:
			http.NotFound(w, r)
		}
		return
	}

	// Handle single alert endpoints
	switch r.Method {
	case http.MethodGet:
		GetAlertHandler(w, r, alertID, instance)
	case http.MethodPut, http.MethodPatch:
		UpdateAlertHandler(w, r, alertID, instance)
	case http.MethodDelete:
		DeleteAlertHandler(w, r, alertID, instance)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// BrowseAlertsHandler lists alerts for a user
func BrowseAlertsHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "BrowseAlertsHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	cacheKey := generateCacheKey(r, "browse_alerts_")

	cached, err := cache.GetCache(ctx, cacheKey, "/alerts", instance)
	if err == nil && cached != "" {
		logger.Log.Info("Cache hit for /alerts",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(cached))
		return
	}

	alerts, dbErr := database.GetAlertsByUserID(ctx, userID)
	if dbErr != nil {
		logger.Log.Error("Failed to fetch alerts",
			zap.String("trace_id", traceID),
			zap.Error(dbErr),
		)
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Alerts retrieved successfully",
		Data:    alerts,
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		logger.Log.Error("Failed to encode JSON response",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}

	if cacheErr := cache.SetCache(ctx, cacheKey, string(respBytes), 30*time.Second, "/alerts", instance); cacheErr != nil {
		logger.Log.Warn("Failed to store response in cache",
			zap.String("trace_id", traceID),
			zap.String("cache_key", cacheKey),
			zap.Error(cacheErr),
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

// CreateAlertHandler handles creating a new alert rule
func CreateAlertHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "CreateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if msg := validateCreateRequest(&req); msg != "" {
		logger.Log.Error("Invalid alert request",
			zap.String("trace_id", traceID),
			zap.String("reason", msg),
		)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	now := time.Now()
	alert := &models.AlertRule{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		AssetID:     req.AssetID,
		Type:        req.Type,
		Condition:   req.Condition,
		Threshold:   *req.Threshold,
		Channels:    req.Channels,
		IsRecurring: req.IsRecurring,
		Status:      models.StatusActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := database.CreateAlert(ctx, alert); err != nil {
		logger.Log.Error("Failed to create alert",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to create alert", http.StatusInternalServerError)
		return
	}

	// Invalidate cache for browse alerts
	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: "Alert created successfully",
		Data:    alert,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// GetAlertHandler retrieves a specific alert by ID
func GetAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "GetAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	alert, err := database.GetAlertByID(ctx, alertID)
	if err != nil {
		logger.Log.Error("Failed to fetch alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	response := Response{
		Message: "Alert retrieved successfully",
		Data:    alert,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// UpdateAlertHandler updates an existing alert rule
func UpdateAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "UpdateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	// Get the existing alert
	existingAlert, err := database.GetAlertByID(ctx, alertID)
	if err != nil {
		logger.Log.Error("Failed to fetch alert for update",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.Error("Failed to parse request body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Update fields if provided
	if req.AssetID != nil {
		existingAlert.AssetID = req.AssetID
	}
	if req.Condition != "" {
		existingAlert.Condition = req.Condition
	}
	if req.Threshold != nil {
		existingAlert.Threshold = *req.Threshold
	}
	if len(req.Channels) > 0 {
		existingAlert.Channels = req.Channels
	}
	if req.IsRecurring != nil {
		existingAlert.IsRecurring = *req.IsRecurring
	}

	if !validCondition(existingAlert.Type, existingAlert.Condition) {
		http.Error(w, "Condition not valid for alert type", http.StatusBadRequest)
		return
	}
	if len(existingAlert.Channels) == 0 {
		http.Error(w, "At least one channel must be configured", http.StatusBadRequest)
		return
	}

	existingAlert.UpdatedAt = time.Now()

	if err := database.UpdateAlert(ctx, existingAlert); err != nil {
		logger.Log.Error("Failed to update alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Failed to update alert", http.StatusInternalServerError)
		return
	}

	// Invalidate cache for browse alerts
	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: "Alert updated successfully",
		Data:    existingAlert,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// TransitionAlertHandler pauses or resumes an alert rule
func TransitionAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, status models.AlertStatus, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "TransitionAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	alert, err := database.GetAlertByID(ctx, alertID)
	if err != nil {
		http.Error(w, "Alert not found", http.StatusNotFound)
		return
	}

	// A triggered or expired alert is inert; only ACTIVE<->PAUSED moves
	// are user-controlled.
	if alert.Status != models.StatusActive && alert.Status != models.StatusPaused {
		http.Error(w, "Alert is no longer active", http.StatusConflict)
		return
	}

	if err := database.UpdateAlertStatus(ctx, alertID, status, nil, nil, alert.Version); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			http.Error(w, "Alert was modified concurrently, retry", http.StatusConflict)
			return
		}
		logger.Log.Error("Failed to transition alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Failed to transition alert", http.StatusInternalServerError)
		return
	}

	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: fmt.Sprintf("Alert transitioned to %s", status),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// DeleteAlertHandler deletes an alert
func DeleteAlertHandler(w http.ResponseWriter, r *http.Request, alertID string, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "DeleteAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	if err := database.DeleteAlert(ctx, alertID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Alert not found", http.StatusNotFound)
			return
		}
		logger.Log.Error("Failed to delete alert",
			zap.String("trace_id", traceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
		http.Error(w, "Failed to delete alert", http.StatusInternalServerError)
		return
	}

	// Invalidate cache for browse alerts
	cache.InvalidateByPrefix(ctx, "browse_alerts_", "/alerts", instance)

	response := Response{
		Message: "Alert deleted successfully",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func validateCreateRequest(req *CreateAlertRequest) string {
	if req.OwnerID == "" {
		return "Missing required field: owner_id"
	}
	if req.Threshold == nil {
		return "Missing required field: threshold"
	}
	switch req.Type {
	case models.AlertTypePrice, models.AlertTypeDollar:
		if req.AssetID == nil || *req.AssetID == "" {
			return "asset_id is required for price alerts"
		}
	case models.AlertTypePctChange, models.AlertTypeRisk:
		// FX and risk alerts are keyed by quote type, asset optional
	default:
		return "Unknown alert type"
	}
	if !validCondition(req.Type, req.Condition) {
		return "Condition not valid for alert type"
	}
	if len(req.Channels) == 0 {
		return "At least one channel must be configured"
	}
	for _, ch := range req.Channels {
		if ch != models.ChannelInApp && ch != models.ChannelEmail {
			return "Unknown channel: " + string(ch)
		}
	}
	return ""
}

func validCondition(t models.AlertType, c models.AlertCondition) bool {
	if t == models.AlertTypePctChange {
		return c == models.ConditionPctUp || c == models.ConditionPctDown
	}
	return c == models.ConditionAbove || c == models.ConditionBelow || c == models.ConditionCrosses
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}
	joinedParams := strings.Join(queryString, "&")

	hash := sha256.Sum256([]byte(joinedParams))
	return prefix + hex.EncodeToString(hash[:8])
}
