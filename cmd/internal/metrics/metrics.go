// Package metrics owns the Prometheus collectors for the gateway. Collectors
// live on a Metrics value registered against an injected registry so tests
// and multiple app instances never share global state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalhub"

// Metrics implements the recorder interfaces of ratelimit, session and
// gateway.
type Metrics struct {
	reg prometheus.Gatherer

	limitDecisions *prometheus.CounterVec
	invalidated    *prometheus.CounterVec
	scheduled      *prometheus.CounterVec
	logins         prometheus.Counter
	rotations      prometheus.Counter
	replays        prometheus.Counter
	rejections     *prometheus.CounterVec
	wsClients      prometheus.Gauge
}

// New creates the collectors and registers them on reg. When reg is nil a
// private registry is used. Go runtime and process collectors are added when
// withRuntime is set.
func New(reg *prometheus.Registry, withRuntime bool) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		limitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limiter decisions by endpoint class and outcome.",
		}, []string{"class", "outcome"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "invalidated_total",
			Help:      "Sessions invalidated, by reason.",
		}, []string{"reason"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "invalidations_scheduled_total",
			Help:      "Pending invalidations scheduled, by trigger.",
		}, []string{"trigger"}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Credential pairs issued after an external login.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_rotations_total",
			Help:      "Successful refresh token rotations.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refresh_replays_total",
			Help:      "Refresh token replays detected.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "credential_rejections_total",
			Help:      "Rejected access credentials, by reason.",
		}, []string{"reason"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "clients",
			Help:      "Connected session-event websocket clients.",
		}),
	}

	cs := []prometheus.Collector{
		m.limitDecisions, m.invalidated, m.scheduled,
		m.logins, m.rotations, m.replays, m.rejections, m.wsClients,
	}
	if withRuntime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) LimitDecision(class, outcome string) {
	m.limitDecisions.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) SessionsInvalidated(reason string, n int) {
	if n <= 0 {
		return
	}
	m.invalidated.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) InvalidationScheduled(trigger string) {
	m.scheduled.WithLabelValues(trigger).Inc()
}

func (m *Metrics) LoginCompleted() { m.logins.Inc() }

func (m *Metrics) RefreshRotated() { m.rotations.Inc() }

func (m *Metrics) ReplayDetected() { m.replays.Inc() }

func (m *Metrics) CredentialRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ClientConnected() { m.wsClients.Inc() }

func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }
