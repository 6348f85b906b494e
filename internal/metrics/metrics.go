package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "crowdq"

var (
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Total number of task backend call attempts, labeled by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	BackendRetryWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_retry_wait_seconds",
			Help:      "Backoff sleep before retrying a task backend call (seconds).",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"op"},
	)

	BackendRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_rate_limited_total",
			Help:      "Total number of backend calls delayed by the credential rate limiter.",
		},
		[]string{"op"},
	)

	ResponsesClassifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_classified_total",
			Help:      "Total number of responses classified, labeled by classifier and verdict.",
		},
		[]string{"classifier", "verdict"},
	)

	SubmissionsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_skipped_total",
			Help:      "Total number of submissions skipped during a poll cycle, labeled by reason.",
		},
		[]string{"reason"},
	)

	SubmissionsApprovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_approved_total",
			Help:      "Total number of submission approvals, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of poll cycles, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	BonusesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bonuses_total",
			Help:      "Total number of bonus requests, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of operator API requests rejected by rate limiting.",
		},
		[]string{"scope", "operation"},
	)

	ReportRowsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_rows_written_total",
			Help:      "Total number of report rows written, labeled by survey.",
		},
		[]string{"survey"},
	)
)

func init() {
	prometheus.MustRegister(
		BackendCallsTotal,
		BackendRetryWaitSeconds,
		BackendRateLimitedTotal,
		ResponsesClassifiedTotal,
		SubmissionsSkippedTotal,
		SubmissionsApprovedTotal,
		PollCyclesTotal,
		BonusesTotal,
		RateLimitHitsTotal,
		ReportRowsWrittenTotal,
	)
}
