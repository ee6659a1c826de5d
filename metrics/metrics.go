// Package metrics exposes CA activity as Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

const namespace = "ovpnca"

// Metrics implements pki.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	certificatesIssued  *prometheus.CounterVec
	certificatesRevoked *prometheus.CounterVec
	crlNumber           prometheus.Gauge
	operationsInFlight  *prometheus.GaugeVec
	operationDuration   *prometheus.HistogramVec
	operationsTotal     *prometheus.CounterVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
}

var _ pki.Recorder = (*Metrics)(nil)

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		certificatesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificates_issued_total",
				Help:      "Total number of certificates issued",
			},
			[]string{"kind"},
		),
		certificatesRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificates_revoked_total",
				Help:      "Total number of certificates revoked",
			},
			[]string{"kind"},
		),
		crlNumber: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "crl_number",
				Help:      "Number of the most recently generated CRL",
			},
		),
		operationsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_in_flight",
				Help:      "Number of CA operations currently running",
			},
			[]string{"operation"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of CA operations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of CA operations by result",
			},
			[]string{"operation", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin API requests",
			},
			[]string{"method", "route", "code"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of admin API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.certificatesIssued,
		m.certificatesRevoked,
		m.crlNumber,
		m.operationsInFlight,
		m.operationDuration,
		m.operationsTotal,
		m.httpRequestsTotal,
		m.httpRequestDurationSeconds,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) CertificateIssued(kind storage.Kind) {
	m.certificatesIssued.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) CertificateRevoked(kind storage.Kind) {
	m.certificatesRevoked.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) CRLGenerated(number int64) {
	m.crlNumber.Set(float64(number))
}

func (m *Metrics) OperationStarted(name string) {
	m.operationsInFlight.WithLabelValues(name).Inc()
}

func (m *Metrics) OperationFinished(name string, d time.Duration, err error) {
	m.operationsInFlight.WithLabelValues(name).Dec()
	m.operationDuration.WithLabelValues(name).Observe(d.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(name, status).Inc()
}

// Middleware records request counts and latencies labelled by the chi
// route pattern, so path parameters do not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
