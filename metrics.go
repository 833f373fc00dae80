package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	activeSubscriptions prometheus.Gauge
	reconnectAttempts   prometheus.Counter
	duplicateEvents     prometheus.Counter
	sends               *prometheus.CounterVec
	typingBroadcasts    prometheus.Counter
	statusWrites        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Open conversation push channels",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Scheduled push channel reconnect attempts",
		}),
		duplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicate_events_total",
			Help: "Inbound message events dropped by the dedup ledger",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_send_total",
			Help: "Authoritative message inserts by result",
		}, []string{"result"}),
		typingBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_typing_broadcasts_total",
			Help: "Outbound typing signals",
		}),
		statusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_status_writes_total",
			Help: "Delivered/read status writes by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}

	m.activeSubscriptions = register(reg, m.activeSubscriptions)
	m.reconnectAttempts = register(reg, m.reconnectAttempts)
	m.duplicateEvents = register(reg, m.duplicateEvents)
	m.sends = register(reg, m.sends)
	m.typingBroadcasts = register(reg, m.typingBroadcasts)
	m.statusWrites = register(reg, m.statusWrites)
	return m
}

// register reuses an already registered collector so several sessions can
// share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
