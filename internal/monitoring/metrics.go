package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/lux/internal/lux/bus"
)

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// LuxMetrics implements bus.Metrics.
type LuxMetrics struct {
	FramesWritten    *prometheus.CounterVec // labels: uri
	FramesFailed     *prometheus.CounterVec // labels: uri
	SyncsSent        *prometheus.CounterVec // labels: uri
	Discovery        *prometheus.CounterVec // labels: outcome
	ConnectedGauge   prometheus.Gauge
	TickDurationHist prometheus.Histogram
}

var _ bus.Metrics = (*LuxMetrics)(nil)

// NewLuxMetrics registers and returns the bus metrics.
func NewLuxMetrics(reg prometheus.Registerer) *LuxMetrics {
	m := &LuxMetrics{
		FramesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lux_frames_written_total",
			Help: "FRAME packets written, by channel.",
		}, []string{"uri"}),
		FramesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lux_frames_failed_total",
			Help: "FRAME packets that could not be written, by channel.",
		}, []string{"uri"}),
		SyncsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lux_syncs_sent_total",
			Help: "Broadcast SYNC packets written, by channel.",
		}, []string{"uri"}),
		Discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lux_discovery_total",
			Help: "Device discovery attempts by outcome.",
		}, []string{"outcome"}),
		ConnectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lux_connected_devices",
			Help: "Devices currently streaming (connected or blind).",
		}),
		TickDurationHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lux_tick_duration_seconds",
			Help:    "Time spent writing one frame to every device.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(m.FramesWritten, m.FramesFailed, m.SyncsSent, m.Discovery, m.ConnectedGauge, m.TickDurationHist)
	return m
}

func (m *LuxMetrics) FrameWritten(uri string) { m.FramesWritten.WithLabelValues(uri).Inc() }

func (m *LuxMetrics) FrameFailed(uri string) { m.FramesFailed.WithLabelValues(uri).Inc() }

func (m *LuxMetrics) SyncSent(uri string) { m.SyncsSent.WithLabelValues(uri).Inc() }

func (m *LuxMetrics) DiscoveryResult(outcome string) { m.Discovery.WithLabelValues(outcome).Inc() }

func (m *LuxMetrics) ConnectedDevices(n int) { m.ConnectedGauge.Set(float64(n)) }

func (m *LuxMetrics) TickDuration(d time.Duration) { m.TickDurationHist.Observe(d.Seconds()) }

// ChannelSource is satisfied by *bus.Bus.
type ChannelSource interface {
	Channels() []bus.ChannelStatus
}

// ChannelCollector exports protocol counters of every open channel at scrape
// time. Counters restart when the bus reopens its channels.
type ChannelCollector struct {
	src      ChannelSource
	commands *prometheus.Desc
	writes   *prometheus.Desc
	open     *prometheus.Desc
}

// NewChannelCollector returns a collector reading from src.
func NewChannelCollector(src ChannelSource) *ChannelCollector {
	labels := []string{"channel", "uri"}
	return &ChannelCollector{
		src: src,
		commands: prometheus.NewDesc("lux_channel_commands_total",
			"Protocol command results by channel.", append(labels, "result"), nil),
		writes: prometheus.NewDesc("lux_channel_writes_total",
			"Packets written by channel.", append(labels, "result"), nil),
		open: prometheus.NewDesc("lux_channel_open",
			"Whether the channel transport is open.", labels, nil),
	}
}

func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.writes
	ch <- c.open
}

func (c *ChannelCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Channels() {
		id, uri := s.ID, s.URI
		open := 0.0
		if s.Open {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, open, id, uri)
		if !s.Open {
			continue
		}

		results := []struct {
			name string
			n    uint64
		}{
			{"matched", s.Stats.Matched},
			{"retry", s.Stats.Retries},
			{"timeout", s.Stats.Timeouts},
			{"bad_frame", s.Stats.BadFrames},
			{"foreign_address", s.Stats.ForeignAddress},
			{"ack_mismatch", s.Stats.AckMismatch},
			{"no_response", s.Stats.NoResponse},
		}
		for _, r := range results {
			ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(r.n), id, uri, r.name)
		}
		ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(s.Stats.Writes), id, uri, "ok")
		ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(s.Stats.WriteErrors), id, uri, "error")
	}
}
