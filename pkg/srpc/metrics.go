package srpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/srpc-dev/srpc/pkg/protocol"
)

// Metrics is an Observer that exports connection and envelope counters to
// Prometheus. One instance can observe any number of connections.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	envelopesTotal    *prometheus.CounterVec
}

// NewMetrics registers the SRPC metric set with reg (nil means the default
// registerer) under the given namespace ("" means "srpc").
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "srpc"
	}
	factory := promauto.With(reg)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently established connections.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections established.",
		}),
		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of connection closures by cause.",
		}, []string{"cause"}),
		envelopesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Total number of protocol envelopes by direction and kind.",
		}, []string{"direction", "kind"}),
	}
}

func (m *Metrics) OnInbound(_ *Conn, env *protocol.Envelope) {
	m.envelopesTotal.WithLabelValues("in", env.Kind.String()).Inc()
}

func (m *Metrics) OnOutbound(_ *Conn, env *protocol.Envelope) {
	m.envelopesTotal.WithLabelValues("out", env.Kind.String()).Inc()
}

func (m *Metrics) OnEstablished(_ *Conn) {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) OnClosed(c *Conn, cause string) {
	// Connections that never established were not counted active.
	if c.established.Load() {
		m.connectionsActive.Dec()
	}
	m.disconnectsTotal.WithLabelValues(cause).Inc()
}
