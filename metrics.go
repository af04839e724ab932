package silentsupply

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the SDK's collectors. A nil *metrics is valid and records
// nothing, so components never check whether metrics were configured.
type metrics struct {
	framesReceived     prometheus.Counter
	duplicates         *prometheus.CounterVec
	reconnects         prometheus.Counter
	droppedPublishes   prometheus.Counter
	notifications      prometheus.Counter
	pushConnected      prometheus.Gauge
	notificationStream prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentsupply",
			Subsystem: "push",
			Name:      "frames_received_total",
			Help:      "Messages delivered over the push channel.",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "silentsupply",
			Subsystem: "sync",
			Name:      "duplicate_messages_total",
			Help:      "Incoming messages collapsed because their id was already merged.",
		}, []string{"component"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentsupply",
			Subsystem: "push",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a push channel failure.",
		}),
		droppedPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentsupply",
			Subsystem: "push",
			Name:      "dropped_publishes_total",
			Help:      "Publishes dropped because the push channel was not connected.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silentsupply",
			Subsystem: "notifications",
			Name:      "events_received_total",
			Help:      "Notification events received over the event stream.",
		}),
		pushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silentsupply",
			Subsystem: "push",
			Name:      "connected",
			Help:      "1 while the push channel is connected.",
		}),
		notificationStream: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silentsupply",
			Subsystem: "notifications",
			Name:      "stream_open",
			Help:      "1 while the notification stream is open.",
		}),
	}
	reg.MustRegister(
		m.framesReceived,
		m.duplicates,
		m.reconnects,
		m.droppedPublishes,
		m.notifications,
		m.pushConnected,
		m.notificationStream,
	)
	return m
}

func (m *metrics) frame() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *metrics) duplicate(component string) {
	if m != nil {
		m.duplicates.WithLabelValues(component).Inc()
	}
}

func (m *metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *metrics) droppedPublish() {
	if m != nil {
		m.droppedPublishes.Inc()
	}
}

func (m *metrics) notification() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *metrics) setPushConnected(up bool) {
	if m != nil {
		m.pushConnected.Set(boolGauge(up))
	}
}

func (m *metrics) setStreamOpen(up bool) {
	if m != nil {
		m.notificationStream.Set(boolGauge(up))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
