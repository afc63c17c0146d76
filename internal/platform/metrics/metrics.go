// Package metrics exposes Prometheus collectors for the visit workflow, the
// notification bus, the outbox relay, HTTP traffic and database queries.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "visitflow"

// Metrics owns every collector. Each instance registers on its own registry
// so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	transitions    *prometheus.CounterVec
	opFailures     *prometheus.CounterVec
	apptSyncFailed *prometheus.CounterVec
	degraded       *prometheus.CounterVec

	busEvents      prometheus.Counter
	busDeliveries  prometheus.Counter
	busSubscribers prometheus.Gauge
	relayed        prometheus.Counter
	relayFailures  prometheus.Counter
	wsSessions     prometheus.Gauge

	dbQueries *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}, []string{"method", "route"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_transitions_total",
			Help:      "Committed stage transitions.",
		}, []string{"from", "to"}),
		opFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visit_operation_failures_total",
			Help:      "Rejected or failed visit operations by error code.",
		}, []string{"operation", "code"}),
		apptSyncFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointment_sync_failures_total",
			Help:      "Appointment updates that failed after a visit commit.",
		}, []string{"event"}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_counter_degraded_total",
			Help:      "Dashboard counters served as zero because a source failed.",
		}, []string{"counter"}),
		busEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Stage-changed events published on the local bus.",
		}),
		busDeliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_deliveries_total",
			Help:      "Handler invocations that completed without panicking.",
		}),
		busSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Current bus subscribers.",
		}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Outbox events from other instances republished locally.",
		}),
		relayFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_poll_failures_total",
			Help:      "Outbox polls that failed.",
		}),
		wsSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Open websocket sessions.",
		}),
		dbQueries: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "PostgreSQL query latency by statement kind.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation", "outcome"}),
	}
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPool exports pgxpool connection gauges.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_pool_acquired_conns",
		Help:      "Connections currently checked out of the pool.",
	}, func() float64 { return float64(pool.Stat().AcquiredConns()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_pool_idle_conns",
		Help:      "Idle connections in the pool.",
	}, func() float64 { return float64(pool.Stat().IdleConns()) })
}

// -- HTTP --

// Middleware records request count and latency by route template, so ids
// in the path do not explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// -- visit.Recorder --

func (m *Metrics) VisitTransitioned(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) OperationFailed(op, code string) {
	m.opFailures.WithLabelValues(op, code).Inc()
}

func (m *Metrics) AppointmentSyncFailed(event string) {
	m.apptSyncFailed.WithLabelValues(event).Inc()
}

// -- dashboard.Recorder --

func (m *Metrics) CounterDegraded(counter string) {
	m.degraded.WithLabelValues(counter).Inc()
}

// -- notify.Observer and notify.RelayObserver --

func (m *Metrics) EventPublished(delivered int) {
	m.busEvents.Inc()
	m.busDeliveries.Add(float64(delivered))
}

func (m *Metrics) SubscribersChanged(n int) {
	m.busSubscribers.Set(float64(n))
}

func (m *Metrics) EventsRelayed(n int) {
	m.relayed.Add(float64(n))
}

func (m *Metrics) RelayPollFailed() {
	m.relayFailures.Inc()
}

// -- websocket --

func (m *Metrics) SessionOpened() {
	m.wsSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	m.wsSessions.Dec()
}

// -- pgx.QueryTracer --

type queryStartKey struct{}

type queryStart struct {
	at        time.Time
	operation string
}

// QueryTracer returns a pgx tracer feeding db_query_duration_seconds.
func (m *Metrics) QueryTracer() pgx.QueryTracer {
	return &queryTracer{hist: m.dbQueries}
}

type queryTracer struct {
	hist *prometheus.HistogramVec
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), operation: Operation(data.SQL)})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	t.hist.WithLabelValues(start.operation, outcome).Observe(time.Since(start.at).Seconds())
}

// Operation returns the lower-cased leading SQL keyword, e.g. "select".
func Operation(sql string) string {
	for _, line := range strings.Split(sql, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		switch op := strings.ToLower(strings.Fields(line)[0]); op {
		case "select", "insert", "update", "delete", "with", "begin", "commit", "rollback", "create", "alter", "drop":
			return op
		}
		return "other"
	}
	return "other"
}
