// Package metrics holds the Prometheus instrumentation for both the
// producer and consumer processes, grounded on the promauto registration
// pattern the teacher uses throughout (e.g.
// services/code_buddy/cancel/metrics.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Producer holds every metric emitted by the producer tick loop.
type Producer struct {
	FetchDurationSeconds  *prometheus.HistogramVec
	MergeErrorsTotal      *prometheus.CounterVec
	IntegrityDroppedTotal *prometheus.CounterVec
	ChangesTotal          *prometheus.CounterVec
	PublishErrorsTotal    *prometheus.CounterVec
	CommitErrorsTotal     *prometheus.CounterVec
	TickDurationSeconds   prometheus.Histogram
	CachedEntries         *prometheus.GaugeVec
}

func NewProducer(reg prometheus.Registerer) *Producer {
	f := promauto.With(reg)
	return &Producer{
		FetchDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "fetch_duration_seconds",
				Help:      "Time spent fetching rows from one source.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "source"},
		),
		MergeErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "merge_errors_total",
				Help:      "Rows dropped by a merge constraint, by type.",
			},
			[]string{"type"},
		),
		IntegrityDroppedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "integrity_dropped_total",
				Help:      "Rows dropped by a cross-type integrity constraint, by type.",
			},
			[]string{"type"},
		),
		ChangesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "changes_total",
				Help:      "Changes diffed against the producer cache, by type and kind.",
			},
			[]string{"type", "kind"},
		),
		PublishErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "publish_errors_total",
				Help:      "Bus publish failures, by type.",
			},
			[]string{"type"},
		),
		CommitErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "commit_errors_total",
				Help:      "commit_one/commit_all failures, by type and phase.",
			},
			[]string{"type", "phase"},
		),
		TickDurationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "tick_duration_seconds",
				Help:      "Wall time of one full fetch/merge/diff/publish tick.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		CachedEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hermes",
				Subsystem: "producer",
				Name:      "cached_entries",
				Help:      "Entries currently held in the producer cache, by type.",
			},
			[]string{"type"},
		),
	}
}

// Consumer holds every metric emitted by the consumer apply/retry/sweep
// tasks.
type Consumer struct {
	EventsAppliedTotal     *prometheus.CounterVec
	EventsBlockedTotal     *prometheus.CounterVec
	ErrorQueueDepth        *prometheus.GaugeVec
	ErrorQueueRetriesTotal *prometheus.CounterVec
	TrashbinEntries        *prometheus.GaugeVec
	TrashbinExpiredTotal   *prometheus.CounterVec
	ApplyDurationSeconds   *prometheus.HistogramVec
	ConsumerLag            prometheus.Gauge
}

func NewConsumer(reg prometheus.Registerer) *Consumer {
	f := promauto.With(reg)
	return &Consumer{
		EventsAppliedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "events_applied_total",
				Help:      "Events successfully applied to a target, by type and operation.",
			},
			[]string{"type", "operation"},
		),
		EventsBlockedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "events_blocked_total",
				Help:      "Events blocked by the foreign-key policy, by type.",
			},
			[]string{"type"},
		),
		ErrorQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "error_queue_depth",
				Help:      "Events currently parked in the error queue, by type.",
			},
			[]string{"type"},
		),
		ErrorQueueRetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "error_queue_retries_total",
				Help:      "Error queue retry attempts, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		TrashbinEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "trashbin_entries",
				Help:      "Entries currently parked in the trashbin, by type.",
			},
			[]string{"type"},
		),
		TrashbinExpiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "trashbin_expired_total",
				Help:      "Trashbin entries purged after their retention deadline, by type.",
			},
			[]string{"type"},
		),
		ApplyDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "apply_duration_seconds",
				Help:      "Time spent in one target handler Apply call.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		ConsumerLag: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hermes",
				Subsystem: "consumer",
				Name:      "lag",
				Help:      "Offset gap between the last committed event and the bus head.",
			},
		),
	}
}
