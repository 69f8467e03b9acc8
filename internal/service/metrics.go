package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openclaw/autoconnect/internal/model"
)

// Metrics counts link flow outcomes. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sessionsStarted prometheus.Counter
	outcomes        *prometheus.CounterVec
	issuances       *prometheus.CounterVec
	polls           *prometheus.CounterVec
	linkDuration    prometheus.Histogram
	controllers     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autoconnect",
			Name:      "sessions_started_total",
			Help:      "Link sessions started.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoconnect",
			Name:      "session_outcomes_total",
			Help:      "Link sessions that reached a terminal state.",
		}, []string{"state"}),
		issuances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoconnect",
			Name:      "issuance_attempts_total",
			Help:      "Link code issuance attempts by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoconnect",
			Name:      "poll_results_total",
			Help:      "Status poll results by status.",
		}, []string{"status"}),
		linkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autoconnect",
			Name:      "link_duration_seconds",
			Help:      "Time from code issuance to confirmed link.",
			Buckets:   []float64{1, 3, 6, 10, 15, 30, 45, 60, 120},
		}),
		controllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "autoconnect",
			Name:      "controllers",
			Help:      "Link controllers held in the registry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsStarted, m.outcomes, m.issuances, m.polls, m.linkDuration, m.controllers)
	}
	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) outcome(state model.SessionState) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) issuance(result string) {
	if m == nil {
		return
	}
	m.issuances.WithLabelValues(result).Inc()
}

func (m *Metrics) poll(status model.PollStatus) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) linked(issuedAt time.Time) {
	if m == nil || issuedAt.IsZero() {
		return
	}
	m.linkDuration.Observe(time.Since(issuedAt).Seconds())
}

func (m *Metrics) setControllers(n int) {
	if m == nil {
		return
	}
	m.controllers.Set(float64(n))
}
