package handlers

import (
	"encoding/json"
	"net/http"

	"marketalerts/internal/database"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// PreferencesHandler routes preference operations.
// GET /preferences?user_id=... returns the effective preferences (defaults
// apply for users who never saved any); PUT replaces them.
func PreferencesHandler(w http.ResponseWriter, r *http.Request, instance string) {
	switch r.Method {
	case http.MethodGet:
		GetPreferencesHandler(w, r, instance)
	case http.MethodPut:
		UpsertPreferencesHandler(w, r, instance)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func GetPreferencesHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "GetPreferencesHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "Missing required parameter: user_id", http.StatusBadRequest)
		return
	}

	prefs, err := database.GetPreferences(ctx, userID)
	if err != nil {
		logger.Log.Error("Failed to fetch preferences",
			zap.String("trace_id", traceID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch preferences", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Preferences retrieved successfully",
		Data:    prefs,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func UpsertPreferencesHandler(w http.ResponseWriter, r *http.Request, instance string) {
	ctx := r.Context()
	tracer := otel.Tracer("real-time-notification")
	ctx, span := tracer.Start(ctx, "UpsertPreferencesHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var prefs models.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if prefs.UserID == "" {
		http.Error(w, "Missing required field: user_id", http.StatusBadRequest)
		return
	}

	for _, ch := range prefs.OptInChannels {
		if ch != models.ChannelInApp && ch != models.ChannelEmail {
			http.Error(w, "Unknown channel: "+string(ch), http.StatusBadRequest)
			return
		}
	}

	switch prefs.DigestFrequency {
	case models.DigestRealtime, models.DigestHourly, models.DigestDaily:
	case "":
		prefs.DigestFrequency = models.DigestRealtime
	default:
		http.Error(w, "Unknown digest_frequency", http.StatusBadRequest)
		return
	}

	if err := database.UpsertPreferences(ctx, &prefs); err != nil {
		logger.Log.Error("Failed to save preferences",
			zap.String("trace_id", traceID),
			zap.String("user_id", prefs.UserID),
			zap.Error(err),
		)
		http.Error(w, "Failed to save preferences", http.StatusInternalServerError)
		return
	}

	response := Response{
		Message: "Preferences saved successfully",
		Data:    prefs,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
