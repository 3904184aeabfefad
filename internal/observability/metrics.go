package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geneatlas/internal/admission"
	"geneatlas/internal/store"
)

// Metrics owns a private Prometheus registry and implements the recorder
// interfaces of the store, cache and admission packages.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseBytes   *prometheus.HistogramVec

	admissions   *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	heavyLatency prometheus.Histogram
	coalesced    prometheus.Counter

	catalogRefresh *prometheus.CounterVec
	indexLoads     *prometheus.CounterVec

	storeBytes  *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_http_response_bytes",
			Help:    "Encoded response body size by route.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"route"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_admission_decisions_total",
			Help: "Admission decisions by query class and outcome.",
		}, []string{"class", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_request_queue_depth",
			Help: "Requests currently admitted.",
		}),
		heavyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_heavy_query_duration_seconds",
			Help:    "Latency of admitted heavy queries; feeds the overload signal.",
			Buckets: prometheus.DefBuckets,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atlas_coalesced_requests_total",
			Help: "Requests served from another request's in-flight computation.",
		}),
		catalogRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_catalog_refresh_total",
			Help: "Catalog refresh attempts by outcome.",
		}, []string{"outcome"}),
		indexLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_release_index_loads_total",
			Help: "Release gene index loads by source.",
		}, []string{"source"}),
		storeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_store_bytes_total",
			Help: "Bytes moved through the artifact store.",
		}, []string{"driver", "direction"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_store_errors_total",
			Help: "Artifact store errors by driver and code.",
		}, []string{"driver", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.responseBytes,
		m.admissions, m.queueDepth, m.heavyLatency, m.coalesced,
		m.catalogRefresh, m.indexLoads,
		m.storeBytes, m.storeErrors,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration, bytes int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
	if bytes > 0 {
		m.responseBytes.WithLabelValues(route).Observe(float64(bytes))
	}
}

// ObserveCoalesced counts a request that reused an in-flight result.
func (m *Metrics) ObserveCoalesced() { m.coalesced.Inc() }

func (m *Metrics) ObserveAdmission(class admission.Class, outcome string) {
	m.admissions.WithLabelValues(class.String(), outcome).Inc()
}

func (m *Metrics) SetQueueDepth(depth int64) { m.queueDepth.Set(float64(depth)) }

func (m *Metrics) ObserveHeavyLatency(d time.Duration) { m.heavyLatency.Observe(d.Seconds()) }

func (m *Metrics) ObserveCatalogRefresh(outcome string) {
	m.catalogRefresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIndexLoad(source string) { m.indexLoads.WithLabelValues(source).Inc() }

func (m *Metrics) ObserveDownload(driver store.Driver, bytes int) {
	m.storeBytes.WithLabelValues(string(driver), "download").Add(float64(bytes))
}

func (m *Metrics) ObserveUpload(driver store.Driver, bytes int) {
	m.storeBytes.WithLabelValues(string(driver), "upload").Add(float64(bytes))
}

func (m *Metrics) ObserveError(driver store.Driver, code store.ErrorCode) {
	m.storeErrors.WithLabelValues(string(driver), string(code)).Inc()
}
