package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the session orchestrator.
// A nil *Metrics records nothing, so components can run without metrics
// (e.g. in tests).
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	errorsTotal              prometheus.Counter
	sessionsCreatedTotal     prometheus.Counter
	creationFailuresTotal    *prometheus.CounterVec
	controllerLaunchFailures prometheus.Counter
	sourceSwitchesTotal      prometheus.Counter
	switchNoopsTotal         prometheus.Counter
	dispatchFailuresTotal    prometheus.Counter
	releaseFailuresTotal     *prometheus.CounterVec
	sessionsEndedTotal       *prometheus.CounterVec
	commandsAppliedTotal     prometheus.Counter
	reconciledTotal          *prometheus.CounterVec
	activeSessions           prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_created_total",
			Help: "Total number of live sessions created",
		}),
		creationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_creation_failures_total",
			Help: "Session creations aborted, by failing step",
		}, []string{"step"}),
		controllerLaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_controller_launch_failures_total",
			Help: "Sessions created without a controller process",
		}),
		sourceSwitchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_source_switches_total",
			Help: "Source switches persisted",
		}),
		switchNoopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_source_switch_noops_total",
			Help: "Source switch requests that matched the current source",
		}),
		dispatchFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_command_dispatch_failures_total",
			Help: "Control commands that could not be enqueued",
		}),
		releaseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_release_failures_total",
			Help: "External resources that could not be released, by kind",
		}, []string{"resource"}),
		sessionsEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_ended_total",
			Help: "Sessions torn down, by final status",
		}, []string{"status"}),
		commandsAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "session_controller_commands_applied_total",
			Help: "Control commands applied to the media pipeline",
		}),
		reconciledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_reconciled_total",
			Help: "Reconciler repairs, by kind",
		}, []string{"kind"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_active",
			Help: "Number of sessions in ACTIVE status",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreatedTotal,
		m.creationFailuresTotal,
		m.controllerLaunchFailures,
		m.sourceSwitchesTotal,
		m.switchNoopsTotal,
		m.dispatchFailuresTotal,
		m.releaseFailuresTotal,
		m.sessionsEndedTotal,
		m.commandsAppliedTotal,
		m.reconciledTotal,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

func (m *Metrics) IncSessionsCreated() {
	if m != nil {
		m.sessionsCreatedTotal.Inc()
	}
}

func (m *Metrics) IncCreationFailures(step string) {
	if m != nil {
		m.creationFailuresTotal.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) IncControllerLaunchFailures() {
	if m != nil {
		m.controllerLaunchFailures.Inc()
	}
}

func (m *Metrics) IncSourceSwitches() {
	if m != nil {
		m.sourceSwitchesTotal.Inc()
	}
}

func (m *Metrics) IncSwitchNoops() {
	if m != nil {
		m.switchNoopsTotal.Inc()
	}
}

func (m *Metrics) IncDispatchFailures() {
	if m != nil {
		m.dispatchFailuresTotal.Inc()
	}
}

func (m *Metrics) IncReleaseFailures(resource string) {
	if m != nil {
		m.releaseFailuresTotal.WithLabelValues(resource).Inc()
	}
}

func (m *Metrics) IncSessionsEnded(status string) {
	if m != nil {
		m.sessionsEndedTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncCommandsApplied() {
	if m != nil {
		m.commandsAppliedTotal.Inc()
	}
}

func (m *Metrics) IncReconciled(kind string) {
	if m != nil {
		m.reconciledTotal.WithLabelValues(kind).Inc()
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
