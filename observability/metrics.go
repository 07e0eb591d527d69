// Package observability exposes the process's Prometheus metrics as a
// flat var block of promauto-registered collectors, one file.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of tasks waiting in the delayed queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reachinbox_queue_depth",
		Help: "Current number of tasks waiting in the delayed task queue",
	})

	// QueueMetricsByState is labelled for waiting/active/completed/failed/delayed
	// counts; nothing in this repository sets it.
	QueueMetricsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reachinbox_queue_tasks",
		Help: "Task queue counts by lifecycle state",
	}, []string{"state"})

	// WorkerActiveTasks tracks how many delivery workers are currently busy.
	WorkerActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reachinbox_worker_active_tasks",
		Help: "Number of delivery worker slots currently processing a task",
	})

	// WorkerSaturation tracks active/concurrency ratio.
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reachinbox_worker_saturation",
		Help: "Ratio of active delivery workers to worker concurrency (0.0-1.0)",
	})

	// RateLimitAdmissions tracks tryAdmit outcomes.
	RateLimitAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reachinbox_rate_limit_admissions_total",
		Help: "Total rate-limiter admission checks by scope and outcome",
	}, []string{"scope", "outcome"}) // scope: "global" or the sender id, outcome: allowed|rejected|error

	// DispatchTransitions tracks dispatch status transitions.
	DispatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reachinbox_dispatch_transitions_total",
		Help: "Total dispatch state transitions",
	}, []string{"to"})

	// SendLatency tracks the duration of the synchronous SMTP conversation.
	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reachinbox_send_latency_seconds",
		Help:    "Duration of the MailSender.Send call",
		Buckets: prometheus.DefBuckets,
	})

	// RedisLatency tracks KV round-trip latency (rate limiter + queue ops).
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reachinbox_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency for rate-limit and queue round-trips",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// CampaignsCreated tracks campaigns accepted by the ingress scheduler.
	CampaignsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reachinbox_campaigns_created_total",
		Help: "Total campaigns accepted by the ingress scheduler",
	})

	// DispatchesSkipped tracks recipients skipped as duplicates at ingest.
	DispatchesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reachinbox_dispatches_skipped_total",
		Help: "Total recipients skipped at ingest due to the (campaign,recipient) uniqueness invariant",
	})

	// TaskRetries tracks retry attempts consumed by TransportError paths.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reachinbox_task_retries_total",
		Help: "Total task retry attempts triggered by transport failures",
	})

	// SweptStuckDispatches tracks dispatches recovered by the sweeper.
	SweptStuckDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reachinbox_swept_stuck_dispatches_total",
		Help: "Total dispatches found stuck in SENDING and reset by the sweeper",
	})
)
