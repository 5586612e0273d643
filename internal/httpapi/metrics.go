package httpapi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Live feed transports.
const (
	transportSSE = "sse"
	transportWS  = "ws"
)

// Reasons a request is turned away before reaching its handler.
const (
	rejectRateLimit = "rate_limit"
	rejectOrigin    = "origin"
)

// apiMetrics lives on its own registry; /metrics merges it with the chat
// metrics store, so nothing here carries a videoId label.
type apiMetrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	sizes     *prometheus.HistogramVec
	feeds     *prometheus.GaugeVec
	delivered *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	queries   *prometheus.CounterVec
}

func newAPIMetrics(writes func() WriteStats) *apiMetrics {
	m := &apiMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holochat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "holochat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time to answer HTTP requests. Feed routes count the whole subscription.",
			Buckets:   []float64{.005, .025, .1, .5, 2.5, 10, 60, 600},
		}, []string{"route"}),
		sizes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "holochat",
			Subsystem: "http",
			Name:      "response_bytes",
			Help:      "Bytes written per HTTP response, after compression.",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"route"}),
		feeds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holochat",
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected live feed clients.",
		}, []string{"transport"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holochat",
			Subsystem: "feed",
			Name:      "records_total",
			Help:      "Journaled records offered to live feed clients, by outcome. Slow clients drop records.",
		}, []string{"transport", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holochat",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests refused before routing.",
		}, []string{"reason"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holochat",
			Subsystem: "journal",
			Name:      "query_errors_total",
			Help:      "Failed journal reads by query.",
		}, []string{"query"}),
	}

	for _, t := range []string{transportSSE, transportWS} {
		m.feeds.WithLabelValues(t)
		m.delivered.WithLabelValues(t, "sent")
		m.delivered.WithLabelValues(t, "dropped")
	}
	m.rejected.WithLabelValues(rejectRateLimit)
	m.rejected.WithLabelValues(rejectOrigin)

	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.sizes,
		m.feeds,
		m.delivered,
		m.rejected,
		m.queries,
		newWriteCollector(writes),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *apiMetrics) observe(route, method string, status int, dur time.Duration, size int64) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(dur.Seconds())
	m.sizes.WithLabelValues(route).Observe(float64(size))
}

// feedClient counts a connected client until the returned func runs.
func (m *apiMetrics) feedClient(transport string) func() {
	g := m.feeds.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (m *apiMetrics) offered(transport string, sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "dropped"
	}
	m.delivered.WithLabelValues(transport, outcome).Inc()
}

func (m *apiMetrics) reject(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *apiMetrics) queryFailed(query string) {
	m.queries.WithLabelValues(query).Inc()
}

// writeCollector reads the journal writer's counters at scrape time.
type writeCollector struct {
	stats     func() WriteStats
	pending   *prometheus.Desc
	written   *prometheus.Desc
	batches   *prometheus.Desc
	coalesced *prometheus.Desc
	failed    *prometheus.Desc
}

func newWriteCollector(stats func() WriteStats) *writeCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("holochat", "journal", name), help, nil, nil)
	}
	return &writeCollector{
		stats:     stats,
		pending:   desc("pending_records", "Records buffered for the next journal flush."),
		written:   desc("written_records_total", "Records handed to the journal."),
		batches:   desc("flushes_total", "Journal flushes."),
		coalesced: desc("coalesced_records_total", "Records dropped because the same event was already buffered."),
		failed:    desc("failed_records_total", "Records the journal refused."),
	}
}

func (c *writeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
	ch <- c.written
	ch <- c.batches
	ch <- c.coalesced
	ch <- c.failed
}

func (c *writeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(st.Pending))
	ch <- prometheus.MustNewConstMetric(c.written, prometheus.CounterValue, float64(st.Written))
	ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(st.Flushes))
	ch <- prometheus.MustNewConstMetric(c.coalesced, prometheus.CounterValue, float64(st.Coalesced))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(st.Failed))
}
