package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strings"

	"marketalerts/internal/cache"
	"marketalerts/internal/config"
	"marketalerts/internal/database"
	"marketalerts/internal/handlers"
	"marketalerts/internal/logger"
	"marketalerts/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	port := flag.String("port", "8081", "Port for alerts service")
	instance := flag.String("instance", "gateway-1", "Instance ID for this server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize Redis
	cache.InitRedis(cfg.Redis.Addr)

	// Initialize database connection
	if err := database.InitDB(cfg.DB.DSN); err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Initialize SSE system - bridges Redis pub/sub to connected browsers
	handlers.InitSSE()

	shutdown, err := tracing.InitTracer()
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx := context.Background()
		if err := shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Setup routes
	mux := http.NewServeMux()

	// SSE endpoint for live in-app notifications
	mux.HandleFunc("/notifications/stream", handlers.StreamNotificationsHandler)

	// Handler for all alert operations
	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		handlers.AlertsHandler(w, r, *instance)
	})

	// Handler for alert operations with ID
	mux.HandleFunc("/alerts/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/alerts/") {
			handlers.AlertsHandler(w, r, *instance)
		} else {
			http.NotFound(w, r)
		}
	})

	// Notification history endpoints
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		handlers.NotificationsHandler(w, r, *instance)
	})
	mux.HandleFunc("/notifications/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/notifications/stream" {
			handlers.StreamNotificationsHandler(w, r)
			return
		}
		handlers.NotificationsHandler(w, r, *instance)
	})

	// Preference endpoints
	mux.HandleFunc("/preferences", func(w http.ResponseWriter, r *http.Request) {
		handlers.PreferencesHandler(w, r, *instance)
	})

	mux.Handle("/metrics", promhttp.Handler())

	logger.Log.Info("Alerts service starting on", zap.String("port", *port))
	log.Fatal(http.ListenAndServe(":"+*port, mux))
}
