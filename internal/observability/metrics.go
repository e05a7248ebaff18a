package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_alerts"

// Metrics holds the Prometheus counters, histograms, and gauges for the alert
// pipeline.
type Metrics struct {
	// Poll loop.
	PollsTotal           *prometheus.CounterVec // labels: outcome={success,error}
	PollDuration         prometheus.Histogram
	AlertsFetched        prometheus.Counter
	AlertsActive         prometheus.Gauge
	LifecycleTransitions *prometheus.CounterVec // labels: kind={new,expired,county_changed,all_clear}
	PipelineRunning      prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram
	AlertsProcessed         *prometheus.CounterVec // labels: outcome={success,failed,halted}
	StageOutcomes           *prometheus.CounterVec // labels: stage, outcome={passed,halted,error}
	DedupMerges             prometheus.Counter
	ValidationResults       *prometheus.CounterVec // labels: status
	WorkflowExecutions      *prometheus.CounterVec // labels: status

	// Delivery metrics.
	DeliveriesEnqueued   *prometheus.CounterVec   // labels: channel
	DeliveryAttempts     *prometheus.CounterVec   // labels: channel, outcome={sent,retrying,failed}
	DeliverySendDuration *prometheus.HistogramVec // labels: channel
	DeliveryQueueDepth   *prometheus.GaugeVec     // labels: status

	PersistenceErrors *prometheus.CounterVec // labels: document={state,queue}
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      help("Feed polls by outcome."),
		}, []string{"outcome"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      help("Duration of a complete poll tick: fetch, pipeline, diff, notify, persist."),
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		AlertsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fetched_total",
			Help:      help("Total alerts returned by the feed."),
		}),
		AlertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      help("Alerts in the active set after the last poll."),
		}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      help("Lifecycle transitions detected by diffing polls."),
		}, []string{"kind"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      help("1 when the poll loop is active, 0 when shut down."),
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      help("Number of alerts per processed batch."),
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 250},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      help("Duration of running one batch through every pipeline stage."),
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		AlertsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_processed_total",
			Help:      help("Alerts that finished the pipeline, by outcome."),
		}, []string{"outcome"}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      help("Per-alert stage results."),
		}, []string{"stage", "outcome"}),
		DedupMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_merges_total",
			Help:      help("Alerts merged into a duplicate."),
		}),
		ValidationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_results_total",
			Help:      help("Validator verdicts by status."),
		}, []string{"status"}),
		WorkflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      help("Finished workflow executions by final status."),
		}, []string{"status"}),
		DeliveriesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_enqueued_total",
			Help:      help("Notifications added to the delivery queue."),
		}, []string{"channel"}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      help("Delivery attempts by channel and resulting status."),
		}, []string{"channel", "outcome"}),
		DeliverySendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_send_duration_seconds",
			Help:      help("Channel send duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30},
		}, []string{"channel"}),
		DeliveryQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_items",
			Help:      help("Items in the delivery queue by status."),
		}, []string{"status"}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      help("Failed document writes."),
		}, []string{"document"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PollsTotal,
		m.PollDuration,
		m.AlertsFetched,
		m.AlertsActive,
		m.LifecycleTransitions,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.AlertsProcessed,
		m.StageOutcomes,
		m.DedupMerges,
		m.ValidationResults,
		m.WorkflowExecutions,
		m.DeliveriesEnqueued,
		m.DeliveryAttempts,
		m.DeliverySendDuration,
		m.DeliveryQueueDepth,
		m.PersistenceErrors,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

// Register adds the metrics to reg. Used by tests that scrape a private registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
