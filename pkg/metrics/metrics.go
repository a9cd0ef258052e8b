package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var HistogramBuckets = []float64{
	// --- Fast responses (0 - 500ms) ---
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium responses around 700ms (500ms - 2s) ---
	750, 1000, 1250, 1500, 1750, 2000,

	// --- Slow responses (2s - 15s) ---
	2500, 3000, 4000, 5000, 7500, 10000, 15000,

	// --- Extended range: covers 60000ms+ (15s - 75s) ---
	20000,  // 20s
	30000,  // 30s
	45000,  // 45s
	60000,  // 60s
	75000,  // 75s
	90000,  // 90s
	120000, // 120s
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "gauge":
		metric = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "histogram":
		metric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
				Buckets:   HistogramBuckets,
			},
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
			m.Args,
		)
	case "summary":
		metric = prometheus.NewSummary(
			prometheus.SummaryOpts{
				Subsystem: subsystem,
				Name:      m.Name,
				Help:      m.Description,
			},
		)
	}
	return metric
}

var metricGatewayDur = &Metric{
	ID:          "gwDur",
	Name:        "gateway_request_dur_ms",
	Description: "Payment gateway call latency in milliseconds, by API method and result.",
	Type:        "histogram_vec",
	Args:        []string{"method", "result"},
}

var metricReconcile = &Metric{
	ID:          "reconcileCnt",
	Name:        "reconcile_total",
	Description: "Payment reconciliation outcomes, by source (webhook/poll) and action.",
	Type:        "counter_vec",
	Args:        []string{"source", "action"},
}

var metricMembership = &Metric{
	ID:          "membershipCnt",
	Name:        "membership_call_total",
	Description: "Channel membership calls, by operation and outcome.",
	Type:        "counter_vec",
	Args:        []string{"op", "outcome"},
}

var metricWatchdog = &Metric{
	ID:          "watchdogCnt",
	Name:        "watchdog_item_total",
	Description: "Expiry watchdog items, by phase and result.",
	Type:        "counter_vec",
	Args:        []string{"phase", "result"},
}

var metricIncident = &Metric{
	ID:          "incidentCnt",
	Name:        "operator_incident_total",
	Description: "Operator incidents opened, by kind.",
	Type:        "counter_vec",
	Args:        []string{"kind"},
}

// BusinessMetrics lists the domain metric definitions; they are registered
// next to the HTTP metrics by NewBusiness.
var BusinessMetrics = []*Metric{
	metricGatewayDur,
	metricReconcile,
	metricMembership,
	metricWatchdog,
	metricIncident,
}

// Business holds the domain collectors used by services.
type Business struct {
	GatewayDur *prometheus.HistogramVec
	Reconcile  *prometheus.CounterVec
	Membership *prometheus.CounterVec
	Watchdog   *prometheus.CounterVec
	Incidents  *prometheus.CounterVec
}

// NewBusiness builds the domain collectors and registers them on reg.
// Collectors that are already registered are reused.
func NewBusiness(reg prometheus.Registerer) *Business {
	collectors := make(map[*Metric]prometheus.Collector, len(BusinessMetrics))
	for _, def := range BusinessMetrics {
		c := NewMetric(def, Subsystem)
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				c = are.ExistingCollector
			}
		}
		collectors[def] = c
	}
	return &Business{
		GatewayDur: collectors[metricGatewayDur].(*prometheus.HistogramVec),
		Reconcile:  collectors[metricReconcile].(*prometheus.CounterVec),
		Membership: collectors[metricMembership].(*prometheus.CounterVec),
		Watchdog:   collectors[metricWatchdog].(*prometheus.CounterVec),
		Incidents:  collectors[metricIncident].(*prometheus.CounterVec),
	}
}

// NewNop returns collectors bound to a throwaway registry, for tests.
func NewNop() *Business {
	return NewBusiness(prometheus.NewRegistry())
}

// ObserveSince records the elapsed milliseconds since start on h.
func ObserveSince(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(MillisecondsSince(start))
}

// Module provides the default registerer and the domain collectors.
var Module = fx.Options(
	fx.Provide(func() prometheus.Registerer { return prometheus.DefaultRegisterer }),
	fx.Provide(NewBusiness),
)

const Subsystem = "chanseller"
