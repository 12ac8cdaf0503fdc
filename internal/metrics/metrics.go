package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	MailerStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_status_transitions_total",
			Help: "Mailer status transitions performed by the state machine",
		},
		[]string{"from", "to"},
	)

	MailerHealthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_health_checks_total",
			Help: "Credential health probes by result",
		},
		[]string{"result"},
	)

	BatchesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_batches_enqueued_total",
			Help: "Delivery batches handed to the queue",
		},
		[]string{"queue"},
	)

	BroadcastPlans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_plans_total",
			Help: "Batch planning runs by result",
		},
		[]string{"result"},
	)

	BroadcastPlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_plan_duration_seconds",
			Help:    "Duration of a batch planning run",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_messages_total",
			Help: "Provider webhook messages received",
		},
		[]string{"provider", "type"},
	)

	DeliverySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_sends_total",
			Help: "Messages handed to the transport by the delivery worker",
		},
		[]string{"status"},
	)
)

func Init() {
	prometheus.MustRegister(
		RequestCount,
		RequestDuration,
		MailerStatusTransitions,
		MailerHealthChecks,
		BatchesEnqueued,
		BroadcastPlans,
		BroadcastPlanDuration,
		WebhookMessages,
		DeliverySends,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
