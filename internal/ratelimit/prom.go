package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes the limiter aggregates as Prometheus metrics.
type Collector struct {
	limiter *Limiter

	totalDesc   *prometheus.Desc
	allowedDesc *prometheus.Desc
	blockedDesc *prometheus.Desc
	bucketsDesc *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector wraps the limiter for registration with a Prometheus
// registry.
func NewCollector(l *Limiter) *Collector {
	return &Collector{
		limiter: l,
		totalDesc: prometheus.NewDesc(
			"edgegate_ratelimit_requests_total",
			"Total admission decisions made.",
			nil, nil),
		allowedDesc: prometheus.NewDesc(
			"edgegate_ratelimit_allowed_total",
			"Admission decisions that allowed the request.",
			nil, nil),
		blockedDesc: prometheus.NewDesc(
			"edgegate_ratelimit_blocked_total",
			"Admission decisions that blocked the request.",
			nil, nil),
		bucketsDesc: prometheus.NewDesc(
			"edgegate_ratelimit_active_buckets",
			"Token buckets currently tracked.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.allowedDesc
	ch <- c.blockedDesc
	ch <- c.bucketsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.limiter.Metrics()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, float64(m.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.allowedDesc, prometheus.CounterValue, float64(m.AllowedRequests))
	ch <- prometheus.MustNewConstMetric(c.blockedDesc, prometheus.CounterValue, float64(m.BlockedRequests))
	ch <- prometheus.MustNewConstMetric(c.bucketsDesc, prometheus.GaugeValue, float64(m.ActiveBuckets))
}
