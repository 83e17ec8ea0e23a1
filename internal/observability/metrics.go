package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	deliveriesPosted  prometheus.Counter
	posClosed         *prometheus.CounterVec
	overDelivery      *prometheus.CounterVec
	ncrCreated        *prometheus.CounterVec
	sideEffectFailure *prometheus.CounterVec
	txConflicts       *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	posted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_deliveries_posted_total",
		Help: "Deliveries successfully posted.",
	})
	closed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_po_closed_total",
		Help: "Purchase orders closed, by mode (auto|manual).",
	}, []string{"mode"})
	over := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_over_delivery_total",
		Help: "Over-delivery workflow outcomes (requested|approved|rejected).",
	}, []string{"outcome"})
	ncr := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_ncr_created_total",
		Help: "Non-conformance records created, by type.",
	}, []string{"type"})
	sideEffects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_side_effect_failures_total",
		Help: "Best-effort side effects that failed after commit.",
	}, []string{"effect"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_tx_conflicts_total",
		Help: "Operations that failed with a concurrent modification.",
	}, []string{"operation"})
	registry.MustRegister(
		requests, duration, posted, closed, over, ncr, sideEffects, conflicts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		deliveriesPosted:  posted,
		posClosed:         closed,
		overDelivery:      over,
		ncrCreated:        ncr,
		sideEffectFailure: sideEffects,
		txConflicts:       conflicts,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// DeliveryPosted counts a committed delivery post.
func (m *Metrics) DeliveryPosted() {
	if m == nil {
		return
	}
	m.deliveriesPosted.Inc()
}

// POClosed counts a PO closure; mode is "auto" or "manual".
func (m *Metrics) POClosed(mode string) {
	if m == nil {
		return
	}
	m.posClosed.WithLabelValues(mode).Inc()
}

// OverDelivery counts an over-delivery workflow outcome.
func (m *Metrics) OverDelivery(outcome string) {
	if m == nil {
		return
	}
	m.overDelivery.WithLabelValues(outcome).Inc()
}

// NCRCreated counts created NCRs by type.
func (m *Metrics) NCRCreated(ncrType string) {
	if m == nil {
		return
	}
	m.ncrCreated.WithLabelValues(ncrType).Inc()
}

// SideEffectFailed counts a failed post-commit side effect.
func (m *Metrics) SideEffectFailed(effect string) {
	if m == nil {
		return
	}
	m.sideEffectFailure.WithLabelValues(effect).Inc()
}

// Conflict counts an operation lost to a concurrent writer.
func (m *Metrics) Conflict(operation string) {
	if m == nil {
		return
	}
	m.txConflicts.WithLabelValues(operation).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
