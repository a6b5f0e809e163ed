package shield

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	requests      *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	upstreamCache *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	inflight      prometheus.Gauge
	pruned        prometheus.Counter

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedishield",
			Name:      "requests_total",
			Help:      "Requests by routing outcome.",
		}, []string{"outcome"}),

		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedishield",
			Name:      "upstream_fetches_total",
			Help:      "Completed coalesced fetches by resulting status.",
		}, []string{"status", "source"}),

		upstreamCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedishield",
			Name:      "upstream_cache_total",
			Help:      "Proxied responses by Upstream-Cache header value.",
		}, []string{"state"}),

		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fedishield",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of coalesced fetches.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedishield",
			Name:      "inflight_fetches",
			Help:      "Fetches currently in flight.",
		}),

		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedishield",
			Name:      "pruned_files_total",
			Help:      "Cache entries deleted by the prune job.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requests,
		m.fetches,
		m.upstreamCache,
		m.fetchDuration,
		m.inflight,
		m.pruned,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeFetch(res Result, d time.Duration) {
	source := "upstream"
	switch {
	case res.Cached:
		source = "disk"
	case !res.HasBody():
		source = "refused"
	}
	m.fetches.WithLabelValues(strconv.Itoa(res.Status), source).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) request(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
