// Package metrics exposes the Listener and Breaker's operability counters
// over Prometheus (spec.md SPEC_FULL.md's domain stack: "ambient
// operability, not the excluded dashboard"). Nothing here changes pipeline
// behavior; it only observes it.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floorline/assemblyline/vocabulary"
)

// Registry holds the counters and gauges this module reports. A nil
// *Registry is safe to call every method on (all become no-ops), so
// callers that don't want metrics can simply not construct one.
type Registry struct {
	reg *prometheus.Registry

	breakerTrips    *prometheus.CounterVec
	busMessagesSent prometheus.Counter
	busMessagesRecv prometheus.Counter
	pollLatency     prometheus.Histogram
	activeContracts prometheus.Gauge
}

// New creates a fresh Registry with its own prometheus.Registry (not the
// global default, so tests and multiple Listener instances don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assemblyline",
			Name:      "breaker_trips_total",
			Help:      "Count of circuit breaker trips, labeled by trigger.",
		}, []string{"trigger"}),
		busMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "assemblyline",
			Name:      "bus_messages_sent_total",
			Help:      "Count of messages sent through the bus.",
		}),
		busMessagesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "assemblyline",
			Name:      "bus_messages_received_total",
			Help:      "Count of messages delivered to a Listener's poll loop.",
		}),
		pollLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assemblyline",
			Name:      "listener_poll_latency_seconds",
			Help:      "Time spent in one Listener poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeContracts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "assemblyline",
			Name:      "active_contracts",
			Help:      "Number of non-terminal contracts currently tracked.",
		}),
	}
}

// RecordBreakerTrip increments the trip counter for trigger.
func (r *Registry) RecordBreakerTrip(trigger vocabulary.BreakerTrigger) {
	if r == nil {
		return
	}
	r.breakerTrips.WithLabelValues(trigger.String()).Inc()
}

// RecordMessageSent increments the sent-message counter.
func (r *Registry) RecordMessageSent() {
	if r == nil {
		return
	}
	r.busMessagesSent.Inc()
}

// RecordMessageReceived increments the received-message counter.
func (r *Registry) RecordMessageReceived() {
	if r == nil {
		return
	}
	r.busMessagesRecv.Inc()
}

// ObservePollLatency records how long one Listener poll cycle took.
func (r *Registry) ObservePollLatency(d time.Duration) {
	if r == nil {
		return
	}
	r.pollLatency.Observe(d.Seconds())
}

// SetActiveContracts reports the current count of non-terminal contracts.
func (r *Registry) SetActiveContracts(n int) {
	if r == nil {
		return
	}
	r.activeContracts.Set(float64(n))
}

// Server serves /metrics and /healthz. Run blocks until ctx is canceled,
// then shuts down gracefully.
type Server struct {
	addr string
	reg  *Registry
	srv  *http.Server
}

// NewServer returns a metrics/health HTTP server bound to addr (e.g.
// ":9090"). reg may be nil, in which case /metrics reports an empty
// registry rather than failing.
func NewServer(addr string, reg *Registry) *Server {
	mux := http.NewServeMux()
	promReg := prometheus.NewRegistry()
	if reg != nil {
		promReg = reg.reg
	}
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		addr: addr,
		reg:  reg,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// with a 5 second grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: listen and serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
