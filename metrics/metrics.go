// Package metrics exposes session lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcomes.
const (
	RefreshSuccess   = "success"
	RefreshFailure   = "failure"
	RefreshDiscarded = "discarded" // Result arrived after the session it was for had gone
	RefreshExpired   = "expired"   // Token had already expired when the timer fired
)

// Recorder is what the scheduler and session service report to.
type Recorder interface {
	RecordRefresh(result string, latency time.Duration)
	RecordScheduled(delay time.Duration)
	RecordTransition(reason string, authenticated bool)
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)

// Nop discards everything.
type Nop struct{}

func (Nop) RecordRefresh(string, time.Duration) {}
func (Nop) RecordScheduled(time.Duration)       {}
func (Nop) RecordTransition(string, bool)       {}

// Collector records to Prometheus.
type Collector struct {
	refreshes      *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	scheduledDelay prometheus.Gauge
	transitions    *prometheus.CounterVec
	authenticated  prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Token refresh attempts by outcome",
		}, []string{"result"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_refresh_latency_seconds",
			Help:    "Latency of backend refresh calls",
			Buckets: prometheus.DefBuckets,
		}),
		scheduledDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_refresh_scheduled_delay_seconds",
			Help: "Delay of the most recently armed refresh timer",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session state transitions by reason",
		}, []string{"reason", "state"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "session_authenticated",
			Help: "1 while a session is held, 0 otherwise",
		}),
	}

	reg.MustRegister(
		c.refreshes,
		c.refreshLatency,
		c.scheduledDelay,
		c.transitions,
		c.authenticated,
	)

	return c
}

func (c *Collector) RecordRefresh(result string, latency time.Duration) {
	c.refreshes.WithLabelValues(result).Inc()
	if latency > 0 {
		c.refreshLatency.Observe(latency.Seconds())
	}
}

func (c *Collector) RecordScheduled(delay time.Duration) {
	c.scheduledDelay.Set(delay.Seconds())
}

// RecordTransition counts a move into (authenticated) or out of a session.
func (c *Collector) RecordTransition(reason string, authenticated bool) {
	state := "unauthenticated"
	value := 0.0
	if authenticated {
		state = "authenticated"
		value = 1
	}
	c.transitions.WithLabelValues(reason, state).Inc()
	c.authenticated.Set(value)
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute serves Handler on /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
