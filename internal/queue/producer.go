// internal/queue/producer.go
package queue

import (
	"fmt"
	"time"

	"marketalerts/internal/logger"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_published_total",
			Help: "Total number of messages published per topic",
		},
		[]string{"topic"},
	)
	publishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_publish_failures_total",
			Help: "Total number of failed publishes per topic",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(messagesPublishedTotal)
	prometheus.MustRegister(publishFailuresTotal)
}

// Producer wraps a Kafka producer with synchronous delivery confirmation.
// Publish does not return until the broker acknowledged the write, which
// is what makes the queue durable from the caller's point of view.
type Producer struct {
	producer *kafka.Producer
}

// NewProducer creates a Kafka producer
func NewProducer(brokers string) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{producer: p}, nil
}

// Publish writes one message and waits for the broker delivery report
func (p *Producer) Publish(topic string, key []byte, value []byte, headers []kafka.Header) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
		Headers:        headers,
	}, deliveryChan)
	if err != nil {
		publishFailuresTotal.WithLabelValues(topic).Inc()
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	ev := <-deliveryChan
	msg, ok := ev.(*kafka.Message)
	if !ok {
		publishFailuresTotal.WithLabelValues(topic).Inc()
		return fmt.Errorf("unexpected delivery event for %s: %v", topic, ev)
	}
	if msg.TopicPartition.Error != nil {
		publishFailuresTotal.WithLabelValues(topic).Inc()
		return fmt.Errorf("deliver to %s: %w", topic, msg.TopicPartition.Error)
	}

	messagesPublishedTotal.WithLabelValues(topic).Inc()
	return nil
}

// PublishDLQ routes a poisoned message to the dead-letter topic, attaching
// the terminal error and failure time as headers for later inspection.
func (p *Producer) PublishDLQ(dlqTopic string, original []byte, key []byte, terminalErr error) error {
	headers := []kafka.Header{
		{Key: "error", Value: []byte(terminalErr.Error())},
		{Key: "failed_at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	}
	if err := p.Publish(dlqTopic, key, original, headers); err != nil {
		logger.Log.Error("Failed to publish to dead-letter topic",
			zap.String("topic", dlqTopic),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Close flushes outstanding messages and releases the producer
func (p *Producer) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}
