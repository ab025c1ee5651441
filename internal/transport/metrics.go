package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"cipherline/internal/domain"
)

// Metrics are the client's prometheus collectors.
type Metrics struct {
	reconnects prometheus.Counter
	dropped    prometheus.Counter
	sent       prometheus.Counter
	received   prometheus.Counter
	queueDepth prometheus.Gauge
	state      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Number of reconnect dials.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames evicted from a full queue.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "sent_frames_total",
			Help:      "Outbound frames written to the connection.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "received_frames_total",
			Help:      "Inbound frames dispatched to the handler.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Frames waiting in the outbound queue.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cipherline",
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.dropped, m.sent, m.received, m.queueDepth, m.state)
	}
	return m
}

func (m *Metrics) setState(s domain.ConnectionState) { m.state.Set(float64(s)) }
