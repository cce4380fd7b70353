// Package metrics holds the Prometheus collectors shared by the queue paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted submissions by queue and delivery path
	// ("broker" or "fallback").
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"queue", "path"})

	// JobsProcessed counts handler outcomes. Status is one of "completed",
	// "retry" or "failed".
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"queue", "status"})

	// JobDuration tracks handler latency per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_duration_seconds",
		Help:    "Duration of job handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueDepth is updated by the depth collector loop.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_queue_depth",
		Help: "Number of jobs per queue and state",
	}, []string{"queue", "state"})

	// JobsStalled counts jobs that were claimed but not completed within the
	// stall window and had to be requeued.
	JobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_stalled_total",
		Help: "The total number of stalled jobs requeued",
	}, []string{"queue"})

	// WebhookDeliveries counts webhook delivery outcomes: "delivered",
	// "retry" or "failed".
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_webhook_deliveries_total",
		Help: "The total number of webhook delivery attempts by outcome",
	}, []string{"outcome"})
)
