// Package sredmetrics collects Prometheus counters/histograms for the
// event bus, orchestrator, and persistence layer, and serves them over
// a standalone fasthttp listener alongside a /healthz probe. Grounded
// on the teacher's pkg/observability/prometheus package (the same
// promauto-registered metric set shape) and cmd/main.go's
// fasthttpadaptor-wrapped promhttp.Handler wiring for /metrics.
package sredmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics holds the engine's collectors. They change only through its
// Record*/Set* methods; no other package in this module calls them.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublishedTotal    *prometheus.CounterVec
	EventDeliveryDuration   *prometheus.HistogramVec
	EventDeliveryErrors     *prometheus.CounterVec

	TransitionsTotal        *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	DispatchSoftFailures    prometheus.Counter

	PersistenceOpDuration   *prometheus.HistogramVec
	PersistenceOpErrors     *prometheus.CounterVec

	ActiveInstances         prometheus.Gauge
	PausedInstances         prometheus.Gauge
	SweepsCompletedTotal    prometheus.Counter
	SweepForcedTransitions  prometheus.Counter
}

// New builds a fresh Metrics bound to its own registry, so multiple
// engine instances in the same process (as in tests) don't collide on
// global collector registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sred_events_published_total",
			Help: "Total number of events published to the bus.",
		}, []string{"namespace", "name"}),
		EventDeliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sred_event_delivery_duration_seconds",
			Help:    "Time spent delivering an event to a single subscription.",
			Buckets: prometheus.DefBuckets,
		}, []string{"namespace", "name"}),
		EventDeliveryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sred_event_delivery_errors_total",
			Help: "Total number of subscription delivery failures.",
		}, []string{"namespace", "name"}),

		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sred_transitions_total",
			Help: "Total number of state transitions executed, by outcome.",
		}, []string{"workflow", "outcome"}),
		TransitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sred_transition_duration_seconds",
			Help:    "Time spent executing a single step (handler + persistence).",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
		DispatchSoftFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sred_dispatch_no_applicable_transition_total",
			Help: "Total number of dispatches that found no outgoing transition.",
		}),

		PersistenceOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sred_persistence_op_duration_seconds",
			Help:    "Time spent in a single persistence.Adapter call.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		PersistenceOpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sred_persistence_op_errors_total",
			Help: "Total number of persistence.Adapter call failures.",
		}, []string{"operation"}),

		ActiveInstances: f.NewGauge(prometheus.GaugeOpts{
			Name: "sred_active_instances",
			Help: "Number of instances currently tracked by the instance manager.",
		}),
		PausedInstances: f.NewGauge(prometheus.GaugeOpts{
			Name: "sred_paused_instances",
			Help: "Number of instances currently paused awaiting timeout or resume.",
		}),
		SweepsCompletedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sred_controlplane_sweeps_total",
			Help: "Total number of control-plane sweep passes completed.",
		}),
		SweepForcedTransitions: f.NewCounter(prometheus.CounterOpts{
			Name: "sred_controlplane_forced_transitions_total",
			Help: "Total number of forced transitions applied by the sweeper on timeout.",
		}),
	}
}

// RecordEventPublished records that an event of the given type was
// published to the bus.
func (m *Metrics) RecordEventPublished(namespace, name string) {
	m.EventsPublishedTotal.WithLabelValues(namespace, name).Inc()
}

// RecordEventDelivery records a single subscription delivery attempt.
func (m *Metrics) RecordEventDelivery(namespace, name string, d time.Duration, err error) {
	m.EventDeliveryDuration.WithLabelValues(namespace, name).Observe(d.Seconds())
	if err != nil {
		m.EventDeliveryErrors.WithLabelValues(namespace, name).Inc()
	}
}

// RecordTransition records the outcome and duration of a single step.
func (m *Metrics) RecordTransition(workflowID, outcome string, d time.Duration) {
	m.TransitionsTotal.WithLabelValues(workflowID, outcome).Inc()
	m.TransitionDuration.WithLabelValues(workflowID).Observe(d.Seconds())
}

// RecordPersistenceOp records a single persistence.Adapter call.
func (m *Metrics) RecordPersistenceOp(operation string, d time.Duration, err error) {
	m.PersistenceOpDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.PersistenceOpErrors.WithLabelValues(operation).Inc()
	}
}

// SetInstanceCounts updates the active/paused instance gauges.
func (m *Metrics) SetInstanceCounts(active, paused int) {
	m.ActiveInstances.Set(float64(active))
	m.PausedInstances.Set(float64(paused))
}

// RecordSweep records one control-plane sweep pass, and how many of
// the paused instances it examined were force-transitioned.
func (m *Metrics) RecordSweep(forced int) {
	m.SweepsCompletedTotal.Inc()
	if forced > 0 {
		m.SweepForcedTransitions.Add(float64(forced))
	}
}

// Listener serves /metrics (Prometheus exposition format) and
// /healthz (plain liveness probe) over fasthttp, mirroring the
// teacher's fasthttpadaptor-wrapped promhttp.Handler wiring but as a
// standalone listener rather than routes mounted on the application
// router (pkg/web was not carried forward into this engine).
type Listener struct {
	addr     string
	server   *fasthttp.Server
	handler  fasthttp.RequestHandler
	healthFn func() error
}

// NewListener builds a metrics/health listener bound to addr (e.g.
// ":9090"). healthFn, if non-nil, is consulted on every /healthz
// request; a non-nil error reports unhealthy with a 503.
func NewListener(addr string, m *Metrics, healthFn func() error) *Listener {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}),
	)
	l := &Listener{addr: addr, healthFn: healthFn}
	l.handler = func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/healthz":
			l.serveHealth(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	l.server = &fasthttp.Server{Handler: l.handler}
	return l
}

func (l *Listener) serveHealth(ctx *fasthttp.RequestCtx) {
	if l.healthFn != nil {
		if err := l.healthFn(); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString(err.Error())
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

// ListenAndServe blocks serving /metrics and /healthz until Shutdown
// is called or the listener fails to bind.
func (l *Listener) ListenAndServe() error {
	return l.server.ListenAndServe(l.addr)
}

// Shutdown gracefully stops the listener.
func (l *Listener) Shutdown() error {
	return l.server.Shutdown()
}
