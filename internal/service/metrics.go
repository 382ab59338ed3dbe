package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	ActiveLinks       prometheus.Gauge
	LinkOpens         *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	Logins            *prometheus.CounterVec
	EventsForwarded   *prometheus.CounterVec
	ForwardDuration   prometheus.Histogram
}

// NewMetrics creates and registers the relay metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Name:      "active_sessions",
				Help:      "Number of connected front-end sessions",
			},
		),
		ActiveLinks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaygate",
				Name:      "active_links",
				Help:      "Number of open tenant links",
			},
		),
		LinkOpens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Name:      "link_opens_total",
				Help:      "Tenant selections by outcome",
			},
			[]string{"result"}, // result=ok/error
		),
		ReconnectAttempts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts observed on tenant links",
			},
		),
		Logins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Name:      "logins_total",
				Help:      "Agent login round trips by outcome",
			},
			[]string{"result"}, // result=ok/error/timeout
		),
		EventsForwarded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaygate",
				Name:      "events_forwarded_total",
				Help:      "Application events relayed",
			},
			[]string{"direction"}, // direction=to_link/to_session
		),
		ForwardDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "relaygate",
				Name:      "forward_duration_seconds",
				Help:      "Duration of forward requests including link wait and auto-login",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) linkOpened() {
	if m != nil {
		m.ActiveLinks.Inc()
	}
}

func (m *Metrics) linkClosed() {
	if m != nil {
		m.ActiveLinks.Dec()
	}
}

func (m *Metrics) selection(result string) {
	if m != nil {
		m.LinkOpens.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.Logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) forwarded(direction string) {
	if m != nil {
		m.EventsForwarded.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) observeForward(d time.Duration) {
	if m != nil {
		m.ForwardDuration.Observe(d.Seconds())
	}
}
