package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketalerts/internal/config"
	"marketalerts/internal/database"
	"marketalerts/internal/evaluator"
	"marketalerts/internal/logger"
	"marketalerts/internal/models"
	"marketalerts/internal/queue"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ticksEvaluatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evaluator_ticks_total",
		Help: "Total market ticks evaluated",
	})
	alertsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluator_triggers_total",
			Help: "Total alert triggers published by event type",
		},
		[]string{"event_type"},
	)
)

func init() {
	prometheus.MustRegister(ticksEvaluatedTotal)
	prometheus.MustRegister(alertsTriggeredTotal)
}

type worker struct {
	producer    *queue.Producer
	eventsTopic string
}

// handleTick evaluates one market tick against every ACTIVE alert on its
// subject and publishes an AlertTriggeredEvent per trigger. Returning an
// error requeues the tick; a replayed tick cannot double-notify because
// event ids are deterministic and the dispatcher claims them.
func (w *worker) handleTick(ctx context.Context, msg *kafka.Message) error {
	var tick models.MarketTick
	if err := json.Unmarshal(msg.Value, &tick); err != nil {
		// A malformed tick will never parse on redelivery either.
		logger.Log.Error("Dropping malformed tick", zap.Error(err))
		return nil
	}

	ticksEvaluatedTotal.Inc()

	alerts, err := database.FindActiveAlertsFor(ctx, tick.Subject)
	if err != nil {
		return fmt.Errorf("load alerts for %s: %w", tick.Subject, err)
	}

	for _, rule := range alerts {
		res := evaluator.Evaluate(rule, tick)
		if !res.Triggered {
			if res.Rearm {
				w.rearm(ctx, rule, res.Computed)
			}
			continue
		}

		event := evaluator.BuildEvent(rule, tick, res)
		payload, err := json.Marshal(event)
		if err != nil {
			logger.Log.Error("Failed to marshal event",
				zap.String("alert_id", rule.ID),
				zap.Error(err),
			)
			continue
		}

		// Key by alert id: redeliveries of the same trigger land on the
		// same partition and collapse under the same idempotency key.
		if err := w.producer.Publish(w.eventsTopic, []byte(event.AlertID), payload, nil); err != nil {
			return fmt.Errorf("publish trigger for alert %s: %w", rule.ID, err)
		}

		alertsTriggeredTotal.WithLabelValues(event.EventType).Inc()
		logger.Log.Info("Alert triggered",
			zap.String("event_id", event.EventID),
			zap.String("alert_id", event.AlertID),
			zap.String("event_type", event.EventType),
			zap.Float64("current_value", event.CurrentValue),
			zap.Float64("threshold", event.Threshold),
		)
	}

	return nil
}

// rearm persists the lowered percent-change baseline so the next excursion
// past the threshold can trigger again. Failures are logged and skipped:
// the baseline is still past the threshold, so the next in-range tick
// produces the same rearm edge and retries the write.
func (w *worker) rearm(ctx context.Context, rule *models.AlertRule, computed float64) {
	err := database.RearmAlert(ctx, rule.ID, computed, rule.Version)
	if err == nil {
		logger.Log.Debug("Alert rearmed",
			zap.String("alert_id", rule.ID),
			zap.Float64("computed", computed),
		)
		return
	}
	if errors.Is(err, database.ErrVersionConflict) {
		// Another worker moved the rule; its write wins.
		return
	}
	logger.Log.Warn("Failed to rearm alert",
		zap.String("alert_id", rule.ID),
		zap.Error(err),
	)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	if err := database.InitDB(cfg.DB.DSN); err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	producer, err := queue.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	consumer, err := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.EvaluatorGrp, cfg.Kafka.TicksTopic, cfg.Dispatcher.RequeueDelay.Std())
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &worker{producer: producer, eventsTopic: cfg.Kafka.EventsTopic}

	fmt.Println("✅ Evaluator listening for market ticks...")
	consumer.Run(ctx, w.handleTick)

	logger.Log.Info("Evaluator shut down")
}
