package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_jobs_enqueued_total",
		Help: "Total number of notification jobs created",
	})

	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_jobs_completed_total",
		Help: "Total number of jobs delivered on at least one channel",
	})

	jobsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_jobs_retried_total",
		Help: "Total number of retry reschedules",
	})

	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_jobs_failed_total",
		Help: "Total number of jobs that exhausted their retry budget",
	})

	jobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_jobs_reaped_total",
		Help: "Total number of stuck processing jobs reset to pending",
	})

	claimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_notify_claim_conflicts_total",
		Help: "Total number of claims lost to a concurrent worker or cancel",
	})

	dispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loyalty_notify_dispatch_duration_seconds",
		Help:    "Claim-to-outcome duration per job",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)
