// Package metrics holds the Prometheus instruments of the import service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/solardome/vuln-importer/internal/importer"
)

const namespace = "vuln_importer"

// Upload outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

type Metrics struct {
	Registry *prometheus.Registry

	UploadsTotal           *prometheus.CounterVec
	AssetsTotal            *prometheus.CounterVec
	VulnerabilitiesTotal   *prometheus.CounterVec
	FindingsTotal          *prometheus.CounterVec
	HostErrorsTotal        *prometheus.CounterVec
	DefaultSeverityTotal   *prometheus.CounterVec
	TransformWarningsTotal *prometheus.CounterVec
	ImportDuration         *prometheus.HistogramVec
	EventPublishErrors     prometheus.Counter
}

// New registers every instrument on a fresh registry, so several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Scan uploads by integration and outcome",
		}, []string{"integration", "outcome"}),
		AssetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_total",
			Help:      "Assets written by imports, by result (created or updated)",
		}, []string{"integration", "result"}),
		VulnerabilitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vulnerabilities_total",
			Help:      "Vulnerabilities written by imports, by result (created or updated)",
		}, []string{"integration", "result"}),
		FindingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings written by imports, by result (created or updated)",
		}, []string{"integration", "result"}),
		HostErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_errors_total",
			Help:      "Hosts skipped because their transaction failed",
		}, []string{"integration"}),
		DefaultSeverityTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "default_severity_total",
			Help:      "Items whose severity code had no mapping and defaulted to Medium",
		}, []string{"integration"}),
		TransformWarningsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_warnings_total",
			Help:      "Mappings evaluated with an unknown transformation rule",
		}, []string{"integration"}),
		ImportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Wall time of one document import",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"integration"}),
		EventPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Import events that could not be published",
		}),
	}
}

// ObserveImport records the counters of one finished import. A nil Metrics
// records nothing.
func (m *Metrics) ObserveImport(s importer.Stats, elapsed time.Duration) {
	if m == nil {
		return
	}
	in := s.Integration
	m.AssetsTotal.WithLabelValues(in, "created").Add(float64(s.AssetsCreated))
	m.AssetsTotal.WithLabelValues(in, "updated").Add(float64(s.AssetsUpdated))
	m.VulnerabilitiesTotal.WithLabelValues(in, "created").Add(float64(s.VulnerabilitiesCreated))
	m.VulnerabilitiesTotal.WithLabelValues(in, "updated").Add(float64(s.VulnerabilitiesUpdated))
	m.FindingsTotal.WithLabelValues(in, "created").Add(float64(s.FindingsCreated))
	m.FindingsTotal.WithLabelValues(in, "updated").Add(float64(s.FindingsUpdated))
	m.HostErrorsTotal.WithLabelValues(in).Add(float64(s.HostsFailed))
	m.DefaultSeverityTotal.WithLabelValues(in).Add(float64(s.DefaultSeverityApplied))
	m.TransformWarningsTotal.WithLabelValues(in).Add(float64(s.TransformWarnings))
	m.ImportDuration.WithLabelValues(in).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUpload(integration, outcome string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(integration, outcome).Inc()
}

func (m *Metrics) IncrementEventPublishErrors() {
	if m == nil {
		return
	}
	m.EventPublishErrors.Inc()
}
