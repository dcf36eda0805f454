package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for AgentGate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	DecisionsTotal    *prometheus.CounterVec
	KillSwitchDenials prometheus.Counter
	QuarantinesTotal  prometheus.Counter
	RateLimitedTotal  prometheus.Counter
	NoticeDrops       prometheus.Gauge
	ActiveIncidents   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "decisions_total",
				Help:      "Terminal policy decisions by outcome",
			},
			[]string{"decision"},
		),
		KillSwitchDenials: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "kill_switch_denials_total",
				Help:      "Calls blocked by an active kill switch",
			},
		),
		QuarantinesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "quarantines_total",
				Help:      "Quarantine incidents created",
			},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "rate_limited_total",
				Help:      "Calls rejected by the rate limiter",
			},
		),
		NoticeDrops: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentgate",
				Name:      "decision_notice_drops",
				Help:      "Decision notices dropped before the quarantine coordinator",
			},
		),
		ActiveIncidents: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentgate",
				Name:      "active_incidents",
				Help:      "Incidents currently in a non-terminal state",
			},
		),
	}
}
