// Package metrics holds the Prometheus instrumentation shared by the tracker,
// rating, tenant, invoice and scheduler components. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace   = "callrater"
	maxLabelLen = 64
)

// sanitizeLabel keeps label values bounded and never empty.
func sanitizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	value = strings.ReplaceAll(value, " ", "_")
	if len(value) > maxLabelLen {
		value = value[:maxLabelLen]
	}
	return value
}

type Metrics struct {
	trackerEvents   *prometheus.CounterVec
	ratingOutcomes  *prometheus.CounterVec
	invoiceOutcomes *prometheus.CounterVec
	tenantBackfills *prometheus.CounterVec
	amiReconnects   *prometheus.CounterVec
	amiConnected    *prometheus.GaugeVec
	jobRuns         *prometheus.CounterVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		trackerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tracker",
				Name:      "events_total",
				Help:      "Telephony events applied by the call state tracker by kind and result",
			},
			[]string{"kind", "result"},
		),
		ratingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rating",
				Name:      "outcomes_total",
				Help:      "Rated call records by outcome, rate source and destination region",
			},
			[]string{"outcome", "source", "region"},
		),
		invoiceOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invoice",
				Name:      "outcomes_total",
				Help:      "Per-account invoice generation outcomes",
			},
			[]string{"outcome"},
		),
		tenantBackfills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tenant",
				Name:      "backfills_total",
				Help:      "Tenant ids written by the reconciliation sweep by row kind",
			},
			[]string{"kind"},
		),
		amiReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ami",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts per telephony-manager connection",
			},
			[]string{"connection"},
		),
		amiConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ami",
				Name:      "connected",
				Help:      "1 while the telephony-manager connection is logged in",
			},
			[]string{"connection"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Periodic job executions by job and result",
			},
			[]string{"job", "result"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.trackerEvents,
			m.ratingOutcomes,
			m.invoiceOutcomes,
			m.tenantBackfills,
			m.amiReconnects,
			m.amiConnected,
			m.jobRuns,
		)
	}
	return m
}

func (m *Metrics) TrackerEvent(kind, result string) {
	if m == nil {
		return
	}
	m.trackerEvents.WithLabelValues(sanitizeLabel(kind), sanitizeLabel(result)).Inc()
}

func (m *Metrics) RatingOutcome(outcome, source, region string) {
	if m == nil {
		return
	}
	m.ratingOutcomes.WithLabelValues(sanitizeLabel(outcome), sanitizeLabel(source), sanitizeLabel(region)).Inc()
}

func (m *Metrics) InvoiceOutcome(outcome string) {
	if m == nil {
		return
	}
	m.invoiceOutcomes.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) TenantBackfill(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.tenantBackfills.WithLabelValues(sanitizeLabel(kind)).Add(float64(count))
}

func (m *Metrics) AmiReconnect(connection string) {
	if m == nil {
		return
	}
	m.amiReconnects.WithLabelValues(sanitizeLabel(connection)).Inc()
}

func (m *Metrics) AmiConnected(connection string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.amiConnected.WithLabelValues(sanitizeLabel(connection)).Set(value)
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(sanitizeLabel(job), result).Inc()
}
