package monitoring

import (
	"time"

	"fleetdesk/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetdesk"

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	// Gauges
	sessionsActive prometheus.Gauge

	// Counters
	sessionPhases    *prometheus.CounterVec
	signalsSent      *prometheus.CounterVec
	commandsIssued   *prometheus.CounterVec
	commandsFinished *prometheus.CounterVec
	controlEvents    *prometheus.CounterVec
	rtpPackets       *prometheus.CounterVec

	// Histograms
	commandLatency *prometheus.HistogramVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics on reg; nil
// means the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live agent sessions",
		}),

		sessionPhases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_phase_transitions_total",
			Help:      "Session phase transitions by target phase",
		}, []string{"phase"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_sent_total",
			Help:      "Signaling messages sent",
		}, []string{"type", "transport"}),

		commandsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_issued_total",
			Help:      "Commands inserted for agents",
		}, []string{"kind"}),

		commandsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Commands completed by final status",
		}, []string{"kind", "status"}),

		controlEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_events_total",
			Help:      "Control events accepted or dropped",
		}, []string{"type", "result"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtp_packets_received_total",
			Help:      "RTP packets received per track role",
		}, []string{"role"}),

		commandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from issue to completion of a command",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) CommandIssued(kind string) {
	p.commandsIssued.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) CommandCompleted(kind, status string, latency time.Duration) {
	p.commandsFinished.WithLabelValues(kind, status).Inc()
	p.commandLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (p *PrometheusCollector) SessionPhase(phase string) {
	p.sessionPhases.WithLabelValues(phase).Inc()
}

func (p *PrometheusCollector) SessionsActive(delta int) {
	p.sessionsActive.Add(float64(delta))
}

func (p *PrometheusCollector) SignalSent(kind, transport string) {
	p.signalsSent.WithLabelValues(kind, transport).Inc()
}

func (p *PrometheusCollector) ControlEvent(kind string, dropped bool) {
	result := "sent"
	if dropped {
		result = "dropped"
	}
	p.controlEvents.WithLabelValues(kind, result).Inc()
}

func (p *PrometheusCollector) RTPPackets(role string, packets int) {
	p.rtpPackets.WithLabelValues(role).Add(float64(packets))
}
