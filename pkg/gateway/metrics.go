package gateway

import "github.com/prometheus/client_golang/prometheus"

type hubMetrics struct {
	clients     prometheus.Gauge
	routed      *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commlayer",
			Subsystem: "gateway",
			Name:      "connected_clients",
			Help:      "Open websocket connections.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "gateway",
			Name:      "routed_envelopes_total",
			Help:      "Envelopes fanned out to local clients.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Inbound envelopes rejected by the per-connection limiter.",
		}),
	}
	reg.MustRegister(m.clients, m.routed, m.rateLimited)
	return m
}
