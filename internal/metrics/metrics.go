package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's own observability instruments on a private
// registry, constructed once and passed by reference (no package globals).
type Metrics struct {
	registry *prometheus.Registry

	PollCycles        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
	AlertsCreated     *prometheus.CounterVec
	AlertsSuppressed  prometheus.Counter
	NotificationsSent *prometheus.CounterVec
}

// New creates the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vbr_monitor_poll_cycles_total",
			Help: "Polling cycle executions by cycle and result.",
		}, []string{"cycle", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vbr_monitor_poll_cycle_duration_seconds",
			Help:    "Polling cycle duration by cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cycle"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vbr_monitor_alerts_created_total",
			Help: "Alerts created by type and severity.",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vbr_monitor_alerts_suppressed_total",
			Help: "Alert creations suppressed by the dedup hold-down.",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vbr_monitor_notifications_total",
			Help: "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
	}

	registry.MustRegister(
		m.PollCycles,
		m.PollDuration,
		m.AlertsCreated,
		m.AlertsSuppressed,
		m.NotificationsSent,
	)
	return m
}

// RegisterCacheStats exposes cache hit/miss/size gauges read from fn at
// scrape time.
func (m *Metrics) RegisterCacheStats(fn func() (hits, misses, size float64)) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(&cacheStatsCollector{read: fn})
}

// RegisterSubscriberCounts exposes a per-topic hub subscriber gauge read
// from fn at scrape time.
func (m *Metrics) RegisterSubscriberCounts(fn func() map[string]int) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(&subscriberCollector{read: fn})
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type cacheStatsCollector struct {
	read func() (hits, misses, size float64)
}

var (
	cacheHitsDesc   = prometheus.NewDesc("vbr_monitor_cache_hits_total", "Cache hits.", nil, nil)
	cacheMissesDesc = prometheus.NewDesc("vbr_monitor_cache_misses_total", "Cache misses.", nil, nil)
	cacheSizeDesc   = prometheus.NewDesc("vbr_monitor_cache_entries", "Current cache entry count.", nil, nil)
	subscribersDesc = prometheus.NewDesc("vbr_monitor_hub_subscribers", "Current hub subscribers per topic.", []string{"topic"}, nil)
)

func (c *cacheStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheSizeDesc
}

func (c *cacheStatsCollector) Collect(ch chan<- prometheus.Metric) {
	hits, misses, size := c.read()
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, hits)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, misses)
	ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, size)
}

type subscriberCollector struct {
	read func() map[string]int
}

func (c *subscriberCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- subscribersDesc
}

func (c *subscriberCollector) Collect(ch chan<- prometheus.Metric) {
	for topic, count := range c.read() {
		ch <- prometheus.MustNewConstMetric(subscribersDesc, prometheus.GaugeValue, float64(count), topic)
	}
}
