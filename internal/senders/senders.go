// Package senders holds the delivery channel implementations. Adding a
// channel means adding a Sender, not branching in the dispatcher.
package senders

import (
	"context"

	"marketalerts/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// LiveChannel is the Redis pub/sub channel the in-app sender publishes on
// and the gateway's SSE hub subscribes to.
const LiveChannel = "notifications.live"

// Sender delivers a rendered notification over one channel. Senders are
// invoked only after a successful idempotency claim, so they may assume
// each logical notification reaches them at most once per channel.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, rec *models.NotificationRecord) error
}

var sendsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_sends_total",
		Help: "Total channel send attempts by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

func init() {
	prometheus.MustRegister(sendsTotal)
}

func recordSend(channel models.Channel, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sendsTotal.WithLabelValues(string(channel), outcome).Inc()
}
