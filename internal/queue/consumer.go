// internal/queue/consumer.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketalerts/internal/logger"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrRequeue tells the consumer loop to redeliver the current message
// after a short delay instead of committing it. Used for transient
// failures where the broker's at-least-once contract should kick in.
var ErrRequeue = errors.New("requeue message")

var (
	messagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Total number of messages consumed per topic",
		},
		[]string{"topic"},
	)
	messagesRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_requeued_total",
			Help: "Total number of messages redelivered after a transient failure",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(messagesConsumedTotal)
	prometheus.MustRegister(messagesRequeuedTotal)
}

// Handler processes one consumed message. Returning nil commits the
// offset; returning ErrRequeue (possibly wrapped) seeks back so the same
// message is delivered again; any other error also requeues, after
// logging, since losing a message silently is never acceptable here.
type Handler func(ctx context.Context, msg *kafka.Message) error

// Consumer is a manual-commit Kafka consumer. Offsets are committed only
// after the handler finishes, never before, so a crash mid-processing
// redelivers the message (ack-after-process).
type Consumer struct {
	consumer     *kafka.Consumer
	topic        string
	requeueDelay time.Duration
}

// NewConsumer creates a consumer in the given group with auto-commit off
func NewConsumer(brokers, group, topic string, requeueDelay time.Duration) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	if err := c.Subscribe(topic, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	return &Consumer{consumer: c, topic: topic, requeueDelay: requeueDelay}, nil
}

// Run consumes until ctx is cancelled. Cancellation stops the poll loop
// but the in-flight handler call always runs to completion first, to
// avoid ack-after-crash duplication on shutdown.
func (c *Consumer) Run(ctx context.Context, handler Handler) {
	logger.Log.Info("Consumer started", zap.String("topic", c.topic))

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Consumer stopping", zap.String("topic", c.topic))
			return
		default:
		}

		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			logger.Log.Error("Kafka read error",
				zap.String("topic", c.topic),
				zap.Error(err),
			)
			time.Sleep(time.Second)
			continue
		}

		messagesConsumedTotal.WithLabelValues(c.topic).Inc()

		// The handler runs detached from the shutdown signal: a SIGTERM
		// that lands mid-message must not fail the in-flight ctx-bound
		// calls, or the event's side effects end up half-applied with the
		// offset uncommitted.
		if err := handler(context.WithoutCancel(ctx), msg); err != nil {
			if !errors.Is(err, ErrRequeue) {
				logger.Log.Error("Handler failed, requeueing message",
					zap.String("topic", c.topic),
					zap.Error(err),
				)
			}
			c.requeue(msg)
			continue
		}

		if _, err := c.consumer.CommitMessage(msg); err != nil {
			logger.Log.Error("Failed to commit offset",
				zap.String("topic", c.topic),
				zap.Error(err),
			)
		}
	}
}

// requeue seeks back to the message's own offset so the next poll
// redelivers it. Kafka has no broker-side nack, so redelivery on a
// transient failure is the consumer's job.
func (c *Consumer) requeue(msg *kafka.Message) {
	messagesRequeuedTotal.WithLabelValues(c.topic).Inc()
	time.Sleep(c.requeueDelay)

	if err := c.consumer.Seek(kafka.TopicPartition{
		Topic:     msg.TopicPartition.Topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    msg.TopicPartition.Offset,
	}, 0); err != nil {
		logger.Log.Error("Failed to seek for redelivery",
			zap.String("topic", c.topic),
			zap.Error(err),
		)
	}
}

// Close leaves the group and releases the consumer
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
