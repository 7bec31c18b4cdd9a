// Package metrics exposes Prometheus metrics for benchmark sessions.
//
// All recording methods are safe to call on a nil *Metrics, so packages can
// take an optional metrics handle without guarding every call site.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "hftbench"

// Metrics holds the benchmark collectors on a private registry.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Round trips
	roundTrip          *prometheus.HistogramVec
	unknownCorrelation *prometheus.CounterVec
	expiredPending     prometheus.Counter
	snapshots          prometheus.Counter

	// Wire
	framesIn       *prometheus.CounterVec
	framesOut      *prometheus.CounterVec
	decodeFailures prometheus.Counter

	// Sessions
	activeSessions prometheus.Gauge
	sessionErrors  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New(namespace string, logger log.Logger) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		logger:    logger,

		roundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Request to response latency by operation kind",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 2, 20),
		}, []string{"kind"}),

		unknownCorrelation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_correlation_total",
			Help:      "Responses whose client_id matched no pending request",
		}, []string{"kind"}),

		expiredPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_pending_total",
			Help:      "Pending requests dropped by the expiry sweep",
		}),

		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Interval statistics snapshots emitted",
		}),

		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "WebSocket frames received by frame kind",
		}, []string{"frame"}),

		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "WebSocket frames sent by frame kind",
		}, []string{"frame"}),

		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Inbound text frames that could not be decoded",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running",
		}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Sessions that ended with an error, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.roundTrip,
		m.unknownCorrelation,
		m.expiredPending,
		m.snapshots,
		m.framesIn,
		m.framesOut,
		m.decodeFailures,
		m.activeSessions,
		m.sessionErrors,
	)

	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ObserveRoundTrip records one resolved request of the given kind.
func (m *Metrics) ObserveRoundTrip(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.WithLabelValues(kind).Observe(d.Seconds())
}

// UnknownCorrelation counts a response that matched no pending request.
func (m *Metrics) UnknownCorrelation(kind string) {
	if m == nil {
		return
	}
	m.unknownCorrelation.WithLabelValues(kind).Inc()
}

// PendingExpired counts requests dropped by the expiry sweep.
func (m *Metrics) PendingExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredPending.Add(float64(n))
}

// SnapshotTaken counts an emitted interval snapshot.
func (m *Metrics) SnapshotTaken() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(frame string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frame).Inc()
}

// FrameSent counts an outbound frame.
func (m *Metrics) FrameSent(frame string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(frame).Inc()
}

// DecodeFailed counts a text frame that could not be decoded.
func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// SessionStarted marks a session as running.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionEnded marks a session as finished; reason is empty on success.
func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	if reason != "" {
		m.sessionErrors.WithLabelValues(reason).Inc()
	}
}
