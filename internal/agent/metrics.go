package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the interceptor and dispatcher observers.
type Metrics struct {
	fetches   *prometheus.CounterVec
	messages  *prometheus.CounterVec
	tokenWait prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_agent_fetch_total",
			Help: "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oidc_agent_messages_total",
			Help: "Protocol messages handled by type.",
		}, []string{"type"}),
		tokenWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oidc_agent_token_wait_seconds",
			Help:    "Time spent waiting for a stored access token to become valid.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.messages, m.tokenWait)
	}
	return m
}

func (m *Metrics) ObserveFetch(outcome string) { m.fetches.WithLabelValues(outcome).Inc() }

func (m *Metrics) ObserveMessage(kind string) { m.messages.WithLabelValues(kind).Inc() }

func (m *Metrics) ObserveTokenWait(d time.Duration) { m.tokenWait.Observe(d.Seconds()) }
