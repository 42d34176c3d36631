package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions *prometheus.CounterVec
	RateLimitFallbacks prometheus.Counter

	IngestEvents  *prometheus.CounterVec
	IngestErrors  *prometheus.CounterVec
	VoiceSessions prometheus.Gauge

	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	DashboardTicks    *prometheus.CounterVec
	DashboardRecreate prometheus.Counter

	AlertsSent *prometheus.CounterVec

	ExternalRequests *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec

	RetentionPurged prometheus.Counter
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_ratelimit_decisions_total",
				Help: "Rate limiter decisions by resource and result",
			},
			[]string{"resource", "result"},
		),
		RateLimitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildpulse_ratelimit_fallbacks_total",
			Help: "Checks served by the local window store after a shared store failure",
		}),
		IngestEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_ingest_events_total",
				Help: "Platform events accepted by the ingestion hooks",
			},
			[]string{"event"},
		),
		IngestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_ingest_errors_total",
				Help: "Persistence failures swallowed by the ingestion hooks",
			},
			[]string{"event"},
		),
		VoiceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guildpulse_voice_sessions_active",
			Help: "Open in-memory voice sessions",
		}),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildpulse_query_duration_seconds",
				Help:    "Aggregation query latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"query"},
		),
		QueryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_query_errors_total",
				Help: "Aggregation queries that returned defaults after a store failure",
			},
			[]string{"query"},
		),
		DashboardTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_dashboard_ticks_total",
				Help: "Dashboard guild ticks by outcome",
			},
			[]string{"result"},
		),
		DashboardRecreate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildpulse_dashboard_recreated_total",
			Help: "Dashboard messages recreated after deletion",
		}),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_alerts_total",
				Help: "Alerts routed through the sink",
			},
			[]string{"type", "priority"},
		),
		ExternalRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_external_requests_total",
				Help: "Outbound metered API requests",
			},
			[]string{"resource", "result"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildpulse_external_cache_total",
				Help: "External response cache lookups",
			},
			[]string{"resource", "result"},
		),
		RetentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guildpulse_retention_purged_rows_total",
			Help: "Rows removed by the retention sweep",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.RateLimitDecisions,
			m.RateLimitFallbacks,
			m.IngestEvents,
			m.IngestErrors,
			m.VoiceSessions,
			m.QueryDuration,
			m.QueryErrors,
			m.DashboardTicks,
			m.DashboardRecreate,
			m.AlertsSent,
			m.ExternalRequests,
			m.CacheHits,
			m.RetentionPurged,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RateLimit(resource string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) RateLimitFallback() {
	if m == nil {
		return
	}
	m.RateLimitFallbacks.Inc()
}

func (m *Metrics) Ingest(event string) {
	if m == nil {
		return
	}
	m.IngestEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IngestError(event string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) SetVoiceSessions(n int) {
	if m == nil {
		return
	}
	m.VoiceSessions.Set(float64(n))
}

func (m *Metrics) Query(query string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(query).Observe(time.Since(started).Seconds())
	if err != nil {
		m.QueryErrors.WithLabelValues(query).Inc()
	}
}

func (m *Metrics) DashboardTick(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DashboardTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) DashboardRecreated() {
	if m == nil {
		return
	}
	m.DashboardRecreate.Inc()
}

func (m *Metrics) Alert(alertType, priority string) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(alertType, priority).Inc()
}

func (m *Metrics) External(resource, result string) {
	if m == nil {
		return
	}
	m.ExternalRequests.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) Cache(resource string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheHits.WithLabelValues(resource, result).Inc()
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionPurged.Add(float64(n))
}
