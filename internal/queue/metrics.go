package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "postflow"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of queue items by state",
		},
		[]string{"state"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dispatch_total",
			Help:      "Dispatch attempts by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	postDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "post_duration_seconds",
			Help:      "Time spent in Poster calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)

	rateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rate_limit_denials_total",
			Help:      "Posts deferred by rate limiting, by source (local limiter or the platform)",
		},
		[]string{"platform", "source"},
	)

	itemsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Total due items fetched by the dispatch loop",
		},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to a concurrent dispatcher",
		},
	)

	staleReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stale_reclaimed_total",
			Help:      "Processing items returned to pending after a processing timeout",
		},
	)
)

func recordDispatch(platform, outcome string) {
	dispatchOutcomes.WithLabelValues(platform, outcome).Inc()
}

func recordPostDuration(platform string, duration time.Duration) {
	postDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

func recordRateLimitDenial(platform, source string) {
	rateLimitDenials.WithLabelValues(platform, source).Inc()
}

func recordFetched(count int) {
	itemsFetched.Add(float64(count))
}

// RecordQueueStats updates queue size gauges.
func RecordQueueStats(stats *Stats) {
	queueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("processing").Set(float64(stats.Processing))
	queueSize.WithLabelValues("posted").Set(float64(stats.Posted))
	queueSize.WithLabelValues("failed").Set(float64(stats.Failed))
	queueSize.WithLabelValues("rate_limited").Set(float64(stats.RateLimited))
	queueSize.WithLabelValues("cancelled").Set(float64(stats.Cancelled))
}
