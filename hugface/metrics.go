package hugface

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "hugface"

// metrics holds the prometheus collectors exposed on /metrics. Each
// HugFace instance has its own registry. A nil *metrics is valid and
// records nothing.
type metrics struct {
	registry *prometheus.Registry

	relays             *prometheus.CounterVec
	relaysInProgress   prometheus.Gauge
	inferenceDuration  *prometheus.HistogramVec
	transcriptEntries  prometheus.Histogram
	commands           *prometheus.CounterVec
	discordConnects    prometheus.Counter
	discordDisconnects prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		relays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relays_total",
				Help:      "Messages relayed to the model, by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		relaysInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "relays_in_progress",
				Help:      "Relays currently being handled.",
			},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "inference_duration_seconds",
				Help:      "Time taken to stream a completion, by outcome.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"outcome"},
		),
		transcriptEntries: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "transcript_entries",
				Help:      "Number of messages sent per completion request.",
				Buckets:   prometheus.LinearBuckets(1, 3, 10),
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Text commands handled, by command name.",
			},
			[]string{"command"},
		),
		discordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connections.",
			},
		),
		discordDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_disconnects_total",
				Help:      "Discord gateway disconnections.",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.relays,
		m.relaysInProgress,
		m.inferenceDuration,
		m.transcriptEntries,
		m.commands,
		m.discordConnects,
		m.discordDisconnects,
	)
	return m
}

func (m *metrics) relayStarted() {
	if m == nil {
		return
	}
	m.relaysInProgress.Inc()
}

func (m *metrics) relayFinished(t trigger, o outcome) {
	if m == nil {
		return
	}
	m.relaysInProgress.Dec()
	m.relays.WithLabelValues(string(t), string(o)).Inc()
}

func (m *metrics) observeInference(o outcome, elapsed time.Duration, entries int) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(string(o)).Observe(elapsed.Seconds())
	m.transcriptEntries.Observe(float64(entries))
}

func (m *metrics) commandHandled(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

func (m *metrics) connected() {
	if m == nil {
		return
	}
	m.discordConnects.Inc()
}

func (m *metrics) disconnected() {
	if m == nil {
		return
	}
	m.discordDisconnects.Inc()
}
