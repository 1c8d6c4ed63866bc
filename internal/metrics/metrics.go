package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_webhooks_total",
			Help: "Total number of webhook requests by event type and result.",
		},
		[]string{"event_type", "result"}, // result: processed, duplicate, malformed, unsupported, error
	)

	ChannelDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_channel_deliveries_total",
			Help: "Total number of channel delivery attempts by outcome.",
		},
		[]string{"channel", "outcome"}, // channel: ticket, chat
	)

	ChannelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifier_channel_latency_seconds",
			Help:    "Latency of ticket and chat calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"channel"},
	)

	ReservationLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_reservation_lost_total",
			Help: "Total number of finalizations that found no reservation row.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(WebhooksTotal, ChannelDeliveriesTotal, ChannelLatency, ReservationLostTotal)
}

func RecordWebhook(eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	WebhooksTotal.WithLabelValues(eventType, result).Inc()
}

func RecordChannel(channel, outcome string, took time.Duration) {
	ChannelDeliveriesTotal.WithLabelValues(channel, outcome).Inc()
	ChannelLatency.WithLabelValues(channel).Observe(took.Seconds())
}

func RecordReservationLost() {
	ReservationLostTotal.Inc()
}
