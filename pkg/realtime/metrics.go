package realtime

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	status     prometheus.Gauge
	latency    prometheus.Gauge
	reconnects prometheus.Counter
	giveUps    prometheus.Counter
	queueDepth prometheus.Gauge
	dropped    *prometheus.CounterVec
	sent       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "status",
			Help:      "Connection status: -1 error, 0 disconnected, 1 connecting, 2 connected.",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip of the last answered ping.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		giveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "give_ups_total",
			Help:      "Times reconnection stopped after exhausting its attempts.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "queue_depth",
			Help:      "Envelopes waiting for a connection.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes discarded from the outbound queue.",
		}, []string{"reason"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlayer",
			Subsystem: "connection",
			Name:      "sent_envelopes_total",
			Help:      "Envelopes written to the transport.",
		}),
	}
	reg.MustRegister(m.status, m.latency, m.reconnects, m.giveUps, m.queueDepth, m.dropped, m.sent)
	return m
}
