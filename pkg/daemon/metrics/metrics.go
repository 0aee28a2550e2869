// Package metrics exposes controller metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/rpc"
)

const namespace = "minepref"

// RPC call outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRPCError    = "rpc-error"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds every collector the daemon updates.
type Metrics struct {
	registry *prometheus.Registry

	rpcCalls     *prometheus.CounterVec
	rpcLatency   *prometheus.HistogramVec
	wsConnected  prometheus.Gauge
	wsReconnects prometheus.Counter

	cycles        *prometheus.CounterVec
	lastCycle     prometheus.Gauge
	magnitude     prometheus.Gauge
	eventsDropped prometheus.Counter
	candidate     *prometheus.GaugeVec
	applied       *prometheus.GaugeVec
}

var _ rpc.Observer = (*Metrics)(nil)

// New creates a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Node RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Node RPC call latency including retries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "connected",
			Help:      "1 while the head subscription is established.",
		}),
		wsReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "reconnects_total",
			Help:      "Subscription reconnect attempts.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "cycles_total",
			Help:      "Control cycles by outcome.",
		}, []string{"outcome"}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
		magnitude: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "change_magnitude_percent",
			Help:      "L1 distance between the last candidate and the applied preference.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_dropped_total",
			Help:      "Subscription events lost to buffer overflow.",
		}),
		candidate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preference",
			Name:      "candidate_weight",
			Help:      "Last computed preference weight per slice.",
		}, []string{"slice"}),
		applied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preference",
			Name:      "applied_weight",
			Help:      "Preference weight per slice last accepted by the node.",
		}, []string{"slice"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rpcCalls, m.rpcLatency, m.wsConnected, m.wsReconnects,
		m.cycles, m.lastCycle, m.magnitude, m.eventsDropped,
		m.candidate, m.applied,
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CallDone implements rpc.Observer.
func (m *Metrics) CallDone(method string, latency time.Duration, err error) {
	m.rpcCalls.WithLabelValues(method, Outcome(err)).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// Connected implements rpc.Observer.
func (m *Metrics) Connected(connected bool) {
	if connected {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
}

// Reconnect implements rpc.Observer.
func (m *Metrics) Reconnect() {
	m.wsReconnects.Inc()
}

// CycleDone records one finished control cycle.
func (m *Metrics) CycleDone(outcome string, at time.Time, magnitudePPM int64, dropped int) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.lastCycle.Set(float64(at.Unix()))
	m.magnitude.Set(float64(magnitudePPM) * 100 / float64(preference.Scale))
	if dropped > 0 {
		m.eventsDropped.Add(float64(dropped))
	}
}

// SetCandidate publishes the last computed preference.
func (m *Metrics) SetCandidate(p preference.Preference) {
	setWeights(m.candidate, p)
}

// SetApplied publishes the preference the node last accepted.
func (m *Metrics) SetApplied(p preference.Preference) {
	setWeights(m.applied, p)
}

// setWeights replaces the vector so slices that left the topology disappear.
func setWeights(vec *prometheus.GaugeVec, p preference.Preference) {
	vec.Reset()
	for id, w := range p {
		vec.WithLabelValues(string(id)).Set(w)
	}
}

// Outcome classifies an RPC error for the outcome label.
func Outcome(err error) string {
	var rpcErr *rpc.Error
	switch {
	case err == nil, errors.Is(err, rpc.ErrNullResult):
		return OutcomeOK
	case errors.As(err, &rpcErr):
		return OutcomeRPCError
	case errors.Is(err, rpc.ErrUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// Server serves /metrics over HTTP.
type Server struct {
	server *http.Server
	addr   net.Addr
}

// Start listens on bindAddress and serves the registry in the background.
func Start(bindAddress string, m *Metrics) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", bindAddress)
	if err != nil {
		return nil, err
	}

	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: time.Second,
		},
		addr: listener.Addr(),
	}

	log := logging.Get("metrics")
	log.Info("serving prometheus metrics", "addr", s.addr.String())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to serve metrics", "error", err)
		}
	}()

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops the server.
func (s *Server) Close() error {
	return s.server.Close()
}
