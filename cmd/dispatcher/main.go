package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketalerts/internal/cache"
	"marketalerts/internal/config"
	"marketalerts/internal/database"
	"marketalerts/internal/digest"
	"marketalerts/internal/dispatcher"
	"marketalerts/internal/logger"
	"marketalerts/internal/queue"
	"marketalerts/internal/senders"
	"marketalerts/internal/tracing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	cache.InitRedis(cfg.Redis.Addr)
	cache.InitRateLimiter()

	if err := database.InitDB(cfg.DB.DSN); err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	shutdownTracer, err := tracing.InitTracer()
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Log.Error("Failed to shutdown tracer", zap.Error(err))
		}
	}()

	producer, err := queue.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	consumer, err := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.DispatcherGrp, cfg.Kafka.EventsTopic, cfg.Dispatcher.RequeueDelay.Std())
	if err != nil {
		logger.Log.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	email := senders.NewEmailSender(cfg.Email.RelayURL, cfg.Email.From, cfg.Dispatcher.SendTimeout.Std())

	d := dispatcher.New(
		dispatcher.DBAlertStore{},
		dispatcher.DBPreferenceStore{},
		dispatcher.DBTemplateStore{},
		dispatcher.DBNotificationStore{},
		dispatcher.RedisClaimer{TTL: cfg.Dispatcher.ClaimTTL.Std()},
		[]dispatcher.Sender{senders.NewInAppSender(), email},
		dispatcher.KafkaDeadLetter{Producer: producer, Topic: cfg.Kafka.DLQTopic},
		dispatcher.RedisDigestQueue{TTL: cfg.Digest.MailboxTTL.Std()},
		dispatcher.RedisRateLimit(cfg.Dispatcher.UserRatePerMin),
		dispatcher.Options{
			Cooldown:       cfg.Dispatcher.Cooldown.Std(),
			SendTimeout:    cfg.Dispatcher.SendTimeout.Std(),
			MaxSendRetries: cfg.Dispatcher.MaxSendRetries,
			BaseRetryDelay: cfg.Dispatcher.BaseRetryDelay.Std(),
			MaxRetryDelay:  cfg.Dispatcher.MaxRetryDelay.Std(),
		},
	)

	flusher := digest.NewFlusher(dispatcher.DBPreferenceStore{}, email, digest.RedisMailbox{TTL: cfg.Digest.MailboxTTL.Std()})
	if err := flusher.Start(cfg.Digest.FlushCron); err != nil {
		logger.Log.Fatal("Failed to start digest flusher", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("✅ Dispatcher consuming triggered alerts...")

	// Run blocks until the signal fires; the in-flight event always
	// finishes before it returns, so no ack is lost to shutdown.
	consumer.Run(ctx, func(ctx context.Context, msg *kafka.Message) error {
		return d.Process(ctx, msg.Value)
	})

	flusher.Stop()
	logger.Log.Info("Dispatcher shut down")
}
