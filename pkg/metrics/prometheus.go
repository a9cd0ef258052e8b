package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var httpLabels = []string{"code", "method", "url"}

var reqCnt = &Metric{
	ID:          "reqCnt",
	Name:        "req_total",
	Description: "HTTP requests served, by status code, method and route.",
	Type:        "counter_vec",
	Args:        httpLabels,
}

var reqDur = &Metric{
	ID:          "reqDur",
	Name:        "req_dur_ms",
	Description: "HTTP request latency in milliseconds.",
	Type:        "histogram_vec",
	Args:        httpLabels,
}

var resSz = &Metric{
	ID:          "resSz",
	Name:        "resp_sz_bytes",
	Description: "HTTP response body size in bytes.",
	Type:        "summary_vec",
	Args:        httpLabels,
}

var httpMetrics = []*Metric{reqCnt, reqDur, resSz}

const defaultMetricsPath = "/metrics"

// URLLabelFn maps a request to its "url" label. Returning the route template
// keeps path parameters such as invoice ids out of the label set.
type URLLabelFn func(c *gin.Context) string

// RouteTemplate labels a request with its matched route, or "unmatched".
func RouteTemplate(c *gin.Context) string {
	if fp := c.FullPath(); fp != "" {
		return fp
	}
	return "unmatched"
}

// Prometheus records HTTP metrics for a gin engine and serves the scrape
// endpoint, either on the engine itself or on a dedicated listener.
type Prometheus struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec
	resSz  *prometheus.SummaryVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	log        *zap.SugaredLogger

	path       string
	listenAddr string
	server     *http.Server
	urlLabel   URLLabelFn
}

type NewPrometheusOptions struct {
	Subsystem string
	// MetricsPath defaults to /metrics.
	MetricsPath string
	// ListenAddress serves the scrape endpoint on its own listener when set.
	ListenAddress string
	// URLLabel defaults to RouteTemplate.
	URLLabel URLLabelFn
	Logger   *zap.SugaredLogger
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewPrometheus(opts NewPrometheusOptions) *Prometheus {
	p := &Prometheus{
		registerer: opts.Registerer,
		gatherer:   opts.Gatherer,
		log:        opts.Logger,
		path:       opts.MetricsPath,
		listenAddr: opts.ListenAddress,
		urlLabel:   opts.URLLabel,
	}
	if p.registerer == nil {
		p.registerer = prometheus.DefaultRegisterer
	}
	if p.gatherer == nil {
		p.gatherer = prometheus.DefaultGatherer
	}
	if p.log == nil {
		p.log = zap.NewNop().Sugar()
	}
	if p.path == "" {
		p.path = defaultMetricsPath
	}
	if p.urlLabel == nil {
		p.urlLabel = RouteTemplate
	}

	for _, def := range httpMetrics {
		c := NewMetric(def, opts.Subsystem)
		if err := p.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				p.log.Errorw("metric_register_failed", "metric", def.Name, "error", err)
			} else {
				c = are.ExistingCollector
			}
		}
		switch def {
		case reqCnt:
			p.reqCnt = c.(*prometheus.CounterVec)
		case reqDur:
			p.reqDur = c.(*prometheus.HistogramVec)
		case resSz:
			p.resSz = c.(*prometheus.SummaryVec)
		}
	}
	return p
}

// Use installs the middleware on e and exposes the scrape endpoint.
func (p *Prometheus) Use(e *gin.Engine) {
	e.Use(p.Middleware())
	if p.listenAddr == "" {
		e.GET(p.path, p.scrape())
		return
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(p.path, p.scrape())
	p.server = &http.Server{Addr: p.listenAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Errorw("metrics_server_failed", "addr", p.listenAddr, "error", err)
		}
	}()
}

// Shutdown stops the dedicated listener, if any.
func (p *Prometheus) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

func (p *Prometheus) scrape() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
}

func (p *Prometheus) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == p.path {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		labels := []string{strconv.Itoa(c.Writer.Status()), c.Request.Method, p.urlLabel(c)}
		p.reqCnt.WithLabelValues(labels...).Inc()
		p.reqDur.WithLabelValues(labels...).Observe(MillisecondsSince(start))
		if size := c.Writer.Size(); size > 0 {
			p.resSz.WithLabelValues(labels...).Observe(float64(size))
		}
	}
}

// MillisecondsSince returns the elapsed time since start in milliseconds.
func MillisecondsSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
