package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kiwis"

var (
	// Sync job outcomes: success, failed, skipped
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Total number of account sync runs by outcome",
		},
		[]string{"outcome"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Account sync duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
	)

	// Messages seen by sync: ingested, known, filtered
	SyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_total",
			Help:      "Messages listed during sync by disposition",
		},
		[]string{"disposition"},
	)

	StuckSyncResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_sync_resets_total",
			Help:      "Accounts force-reset by the watchdog",
		},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier results",
		},
		[]string{"result"}, // financial, non_financial
	)

	RuleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_decisions_total",
			Help:      "Rules engine routing decisions",
		},
		[]string{"decision"},
	)

	ApprovalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Manual approval transitions by target status",
		},
		[]string{"status"},
	)

	LedgerDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_deliveries_total",
			Help:      "Ledger entry delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, retry, failed
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time by task type and outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"type", "outcome"},
	)

	MessagesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages",
			Help:      "Stored messages by status",
		},
		[]string{"status"},
	)

	ApprovalsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals",
			Help:      "Stored approvals by status",
		},
		[]string{"status"},
	)

	AccountsBySyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts",
			Help:      "Active accounts by sync state",
		},
		[]string{"state"},
	)

	LedgerEntriesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_entries",
			Help:      "Ledger entries by delivery status",
		},
		[]string{"status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func RecordSync(outcome string, duration time.Duration) {
	SyncRuns.WithLabelValues(outcome).Inc()
	SyncDuration.Observe(duration.Seconds())
}

func AddSyncMessages(disposition string, n int) {
	if n > 0 {
		SyncMessages.WithLabelValues(disposition).Add(float64(n))
	}
}

func IncrementStuckSyncResets() {
	StuckSyncResets.Inc()
}

func RecordClassification(financial bool) {
	if financial {
		Classifications.WithLabelValues("financial").Inc()
		return
	}
	Classifications.WithLabelValues("non_financial").Inc()
}

func RecordRuleDecision(decision string) {
	RuleDecisions.WithLabelValues(decision).Inc()
}

func RecordApprovalTransition(status string) {
	ApprovalTransitions.WithLabelValues(status).Inc()
}

func RecordLedgerDelivery(outcome string) {
	LedgerDeliveries.WithLabelValues(outcome).Inc()
}

func RecordJob(taskType, outcome string, duration time.Duration) {
	JobDuration.WithLabelValues(taskType, outcome).Observe(duration.Seconds())
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetGauge replaces every label value of g with counts
func SetGauge[K ~string](g *prometheus.GaugeVec, counts map[K]int64) {
	g.Reset()
	for label, n := range counts {
		g.WithLabelValues(string(label)).Set(float64(n))
	}
}
