package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	requestsTotal  *prometheus.CounterVec
	malformedTotal *prometheus.CounterVec

	decisionsTotal *prometheus.CounterVec

	spfChecksTotal   *prometheus.CounterVec
	spfCheckDuration *prometheus.HistogramVec
	bypassHitsTotal  *prometheus.CounterVec

	prependClaimsTotal *prometheus.CounterVec
	cacheErrorsTotal   *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spfpolicyd_connections_total",
			Help: "Total number of policy connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spfpolicyd_connections_active",
			Help: "Number of currently active policy connections.",
		}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_requests_total",
			Help: "Total number of policy requests processed.",
		}, []string{"protocol_state"}),
		malformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_requests_malformed_total",
			Help: "Total number of policy requests that could not be parsed.",
		}, []string{"reason"}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_decisions_total",
			Help: "Total number of policy decisions by action.",
		}, []string{"action", "error"}),

		spfChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_spf_checks_total",
			Help: "Total number of SPF evaluations by scope and result.",
		}, []string{"scope", "result"}),
		spfCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spfpolicyd_spf_check_duration_seconds",
			Help:    "Time spent in SPF evaluation.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"scope"}),
		bypassHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_bypass_hits_total",
			Help: "Total number of transactions that skipped SPF, by whitelist.",
		}, []string{"kind"}),

		prependClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_prepend_claims_total",
			Help: "Total number of header prepend claims by outcome.",
		}, []string{"won"}),
		cacheErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spfpolicyd_cache_errors_total",
			Help: "Total number of transaction cache errors by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.requestsTotal,
		c.malformedTotal,
		c.decisionsTotal,
		c.spfChecksTotal,
		c.spfCheckDuration,
		c.bypassHitsTotal,
		c.prependClaimsTotal,
		c.cacheErrorsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) RequestProcessed(protocolState string) {
	if protocolState == "" {
		protocolState = "unknown"
	}
	c.requestsTotal.WithLabelValues(protocolState).Inc()
}

func (c *PrometheusCollector) RequestMalformed(reason string) {
	c.malformedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) DecisionMade(action string, isError bool) {
	c.decisionsTotal.WithLabelValues(action, strconv.FormatBool(isError)).Inc()
}

func (c *PrometheusCollector) SPFCheckCompleted(scope string, result string) {
	c.spfChecksTotal.WithLabelValues(scope, result).Inc()
}

func (c *PrometheusCollector) SPFCheckDuration(scope string, d time.Duration) {
	c.spfCheckDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (c *PrometheusCollector) BypassHit(kind string) {
	c.bypassHitsTotal.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) PrependClaimed(won bool) {
	c.prependClaimsTotal.WithLabelValues(strconv.FormatBool(won)).Inc()
}

func (c *PrometheusCollector) CacheError(op string) {
	c.cacheErrorsTotal.WithLabelValues(op).Inc()
}
