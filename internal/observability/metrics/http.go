package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	queriesTotal      *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	passagesReturned  *prometheus.HistogramVec
	noContextTotal    *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	invalidationTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kret",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kret",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kret",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total retrieval queries by strategy and outcome.",
		},
		[]string{"service", "strategy", "status"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "cache_lookups_total",
			Help:      "Cache lookup outcomes by tier (exact, semantic, miss).",
		},
		[]string{"service", "tier"},
	)
	passagesReturned := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "passages_returned",
			Help:      "Number of passages in the final result.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service", "strategy"},
	)
	noContextTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "no_context_total",
			Help:      "Queries that returned zero passages.",
		},
		[]string{"service", "strategy"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage retrieval latency.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "stage"},
	)
	invalidationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kret",
			Subsystem: "retrieval",
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidation sweeps by scope.",
		},
		[]string{"service", "scope"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		queriesTotal,
		cacheLookupsTotal,
		passagesReturned,
		noContextTotal,
		stageDuration,
		invalidationTotal,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		queriesTotal:      queriesTotal,
		cacheLookupsTotal: cacheLookupsTotal,
		passagesReturned:  passagesReturned,
		noContextTotal:    noContextTotal,
		stageDuration:     stageDuration,
		invalidationTotal: invalidationTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			r.URL.Path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// RecordRetrieval ingests one finished query, successful or not.
func (m *HTTPServerMetrics) RecordRetrieval(service string, result *domain.RetrievalResult, strategy string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.queriesTotal.WithLabelValues(service, strategy, status).Inc()
	if result == nil {
		return
	}

	tier := "miss"
	if result.CacheHit {
		tier = result.CacheTier
	}
	m.cacheLookupsTotal.WithLabelValues(service, tier).Inc()
	m.passagesReturned.WithLabelValues(service, strategy).Observe(float64(len(result.Passages)))
	if len(result.Passages) == 0 {
		m.noContextTotal.WithLabelValues(service, strategy).Inc()
	}

	m.stageDuration.WithLabelValues(service, "cache_check").Observe(result.Timing.CacheCheck.Seconds())
	m.stageDuration.WithLabelValues(service, "embedding").Observe(result.Timing.Embedding.Seconds())
	m.stageDuration.WithLabelValues(service, "vector_search").Observe(result.Timing.VectorSearch.Seconds())
	m.stageDuration.WithLabelValues(service, "merge").Observe(result.Timing.Merge.Seconds())
	m.stageDuration.WithLabelValues(service, "total").Observe(result.Timing.Total.Seconds())
}

func (m *HTTPServerMetrics) RecordInvalidation(service, scope string) {
	m.invalidationTotal.WithLabelValues(service, scope).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
