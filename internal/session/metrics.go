package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session collectors. A nil *Metrics records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	malformedFrames prometheus.Counter
	bytesSent       prometheus.Counter
	connections     *prometheus.CounterVec
	state           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "btchat",
				Name:      "frames_received_total",
				Help:      "Total number of frames received, by kind",
			},
			[]string{"kind"},
		),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btchat",
			Name:      "malformed_frames_total",
			Help:      "File frames that failed to parse and were delivered as messages",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btchat",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the active transport",
		}),
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "btchat",
				Name:      "connections_total",
				Help:      "Connection attempts, by role and result",
			},
			[]string{"role", "result"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btchat",
			Name:      "connection_state",
			Help:      "Current connection state (0=idle 1=discovering 2=listening 3=connecting 4=connected 5=disconnecting)",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.framesReceived, m.malformedFrames, m.bytesSent, m.connections, m.state)
	}
	return m
}

func (m *Metrics) frame(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) connection(role Role, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connections.WithLabelValues(role.String(), result).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
