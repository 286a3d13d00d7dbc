// Package metrics exposes the peer-session counters on a private prometheus
// registry. A nil *Collectors is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearby"

type Collectors struct {
	Registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	tokenShares    prometheus.Counter
	restarts       *prometheus.CounterVec
	timeoutRetries prometheus.Counter
	sendFailures   prometheus.Counter
	invitations    *prometheus.CounterVec
	distance       prometheus.Gauge
}

func New() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Controller state transitions by target state.",
		}, []string{"state"}),
		tokenShares: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_shares_total",
			Help:      "Local discovery tokens sent to the connected peer.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranging_restarts_total",
			Help:      "Full pairing restarts by cause.",
		}, []string{"cause"}),
		timeoutRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranging_timeout_retries_total",
			Help:      "Ranging re-runs after a timeout removal.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_send_failures_total",
			Help:      "Payload deliveries that were not acknowledged.",
		}),
		invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_total",
			Help:      "Invitations by direction and outcome.",
		}, []string{"direction", "outcome"}),
		distance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_distance_meters",
			Help:      "Last reported distance to the ranging peer.",
		}),
	}
	c.Registry.MustRegister(
		c.transitions, c.tokenShares, c.restarts, c.timeoutRetries,
		c.sendFailures, c.invitations, c.distance,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

func (c *Collectors) Transition(state string) {
	if c != nil {
		c.transitions.WithLabelValues(state).Inc()
	}
}

func (c *Collectors) TokenShared() {
	if c != nil {
		c.tokenShares.Inc()
	}
}

func (c *Collectors) Restart(cause string) {
	if c != nil {
		c.restarts.WithLabelValues(cause).Inc()
	}
}

func (c *Collectors) TimeoutRetry() {
	if c != nil {
		c.timeoutRetries.Inc()
	}
}

func (c *Collectors) SendFailure() {
	if c != nil {
		c.sendFailures.Inc()
	}
}

// Invitation records an invitation; direction is "in" or "out".
func (c *Collectors) Invitation(direction, outcome string) {
	if c != nil {
		c.invitations.WithLabelValues(direction, outcome).Inc()
	}
}

func (c *Collectors) Distance(m *float64) {
	if c != nil && m != nil {
		c.distance.Set(*m)
	}
}
