package authclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects session and pipeline counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	refreshTotal    *prometheus.CounterVec
	refreshJoined   prometheus.Counter
	requestRetries  *prometheus.CounterVec
	requestFailures *prometheus.CounterVec
	nonceFetchTotal *prometheus.CounterVec
	stateCommits    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authclient_refresh_total",
				Help: "Refresh network calls by outcome.",
			},
			[]string{"outcome"},
		),
		refreshJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authclient_refresh_joined_total",
			Help: "Refresh requests that joined an in-flight refresh.",
		}),
		requestRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authclient_request_retries_total",
				Help: "Requests retried after credential recovery.",
			},
			[]string{"scheme"},
		),
		requestFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authclient_request_failures_total",
				Help: "Classified request failures.",
			},
			[]string{"kind"},
		),
		nonceFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authclient_nonce_fetch_total",
				Help: "Nonce fetches by outcome.",
			},
			[]string{"outcome"},
		),
		stateCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authclient_state_commits_total",
			Help: "Auth state replacements committed by the session controller.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.refreshTotal,
			m.refreshJoined,
			m.requestRetries,
			m.requestFailures,
			m.nonceFetchTotal,
			m.stateCommits,
		)
	}

	return m
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) joined() {
	if m == nil {
		return
	}
	m.refreshJoined.Inc()
}

func (m *Metrics) retry(scheme string) {
	if m == nil {
		return
	}
	m.requestRetries.WithLabelValues(scheme).Inc()
}

func (m *Metrics) failure(kind Kind) {
	if m == nil || kind == "" {
		return
	}
	m.requestFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) nonceFetch(outcome string) {
	if m == nil {
		return
	}
	m.nonceFetchTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) commit() {
	if m == nil {
		return
	}
	m.stateCommits.Inc()
}
