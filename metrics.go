package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sends          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	events         *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	statusResyncs  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	statusAdvances *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Messages handed to the send pipeline, by outcome.",
		}, []string{"result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "retries_total",
			Help:      "Offline queue replays, by outcome.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "realtime_events_total",
			Help:      "Normalized real-time events, by source and kind.",
		}, []string{"source", "kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "realtime_events_dropped_total",
			Help:      "Real-time events dropped at the normalizer, by reason.",
		}, []string{"reason"}),
		statusResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_resyncs_total",
			Help:      "Status resync calls, by outcome.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "offline_queue_depth",
			Help:      "Entries currently held in the offline queue.",
		}),
		statusAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_transitions_total",
			Help:      "Recorded message status transitions, by target status.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.sends, m.retries, m.events, m.eventsDropped, m.statusResyncs, m.queueDepth, m.statusAdvances} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sendResult(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) retryResult(result string) {
	if m != nil {
		m.retries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) eventReceived(src Source, kind EventKind) {
	if m != nil {
		m.events.WithLabelValues(string(src), string(kind)).Inc()
	}
}

func (m *Metrics) eventDropped(reason string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) resyncResult(result string) {
	if m != nil {
		m.statusResyncs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) statusRecorded(s Status) {
	if m != nil {
		m.statusAdvances.WithLabelValues(string(s)).Inc()
	}
}
