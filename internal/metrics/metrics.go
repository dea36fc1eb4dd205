// Package metrics exposes Prometheus gauges and counters over the sound
// server's transport, PCM, and mixer subsystems.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AioStatsProvider reports AIO context op-ring occupancy.
type AioStatsProvider interface {
	OpsInflight() int
	OpsCompletedTotal() uint64
}

// PCMStatsProvider reports PCM Client Runtime xrun counts.
type PCMStatsProvider interface {
	XrunsTotal() uint64
}

// RingStatsProvider reports Ring FIFO overflow counts (writes that
// returned 0 because the ring was full).
type RingStatsProvider interface {
	OverflowTotal() uint64
}

// MixerStatsProvider reports mixer refresh cycle counts.
type MixerStatsProvider interface {
	RefreshTotal() uint64
}

// Collector is a prometheus.Collector that gathers sound-server metrics
// at scrape time. Any provider may be nil if that subsystem isn't wired
// into the current process (e.g. a client-only binary has no ring/mixer
// stats to report).
type Collector struct {
	aio   AioStatsProvider
	pcm   PCMStatsProvider
	ring  RingStatsProvider
	mixer MixerStatsProvider

	startTime time.Time

	opsInflightDesc  *prometheus.Desc
	opsCompletedDesc *prometheus.Desc
	xrunsDesc        *prometheus.Desc
	ringOverflowDesc *prometheus.Desc
	mixerRefreshDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics Collector.
func NewCollector(
	aio AioStatsProvider,
	pcm PCMStatsProvider,
	ring RingStatsProvider,
	mixer MixerStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		aio:       aio,
		pcm:       pcm,
		ring:      ring,
		mixer:     mixer,
		startTime: startTime,

		opsInflightDesc: prometheus.NewDesc(
			"sndsrv_aio_ops_inflight",
			"Number of AIO operations currently outstanding",
			nil, nil,
		),
		opsCompletedDesc: prometheus.NewDesc(
			"sndsrv_aio_ops_completed_total",
			"Total AIO operations completed (success, error, or cancelled)",
			nil, nil,
		),
		xrunsDesc: prometheus.NewDesc(
			"sndsrv_pcm_xruns_total",
			"Total PCM buffer underrun/overrun events",
			nil, nil,
		),
		ringOverflowDesc: prometheus.NewDesc(
			"sndsrv_ring_fifo_overflow_total",
			"Total Ring FIFO writes that found no free space",
			nil, nil,
		),
		mixerRefreshDesc: prometheus.NewDesc(
			"sndsrv_mixer_refresh_total",
			"Total mixer element-list refresh cycles completed",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sndsrv_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsInflightDesc
	ch <- c.opsCompletedDesc
	ch <- c.xrunsDesc
	ch <- c.ringOverflowDesc
	ch <- c.mixerRefreshDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.aio != nil {
		ch <- prometheus.MustNewConstMetric(c.opsInflightDesc, prometheus.GaugeValue, float64(c.aio.OpsInflight()))
		ch <- prometheus.MustNewConstMetric(c.opsCompletedDesc, prometheus.CounterValue, float64(c.aio.OpsCompletedTotal()))
	}
	if c.pcm != nil {
		ch <- prometheus.MustNewConstMetric(c.xrunsDesc, prometheus.CounterValue, float64(c.pcm.XrunsTotal()))
	}
	if c.ring != nil {
		ch <- prometheus.MustNewConstMetric(c.ringOverflowDesc, prometheus.CounterValue, float64(c.ring.OverflowTotal()))
	}
	if c.mixer != nil {
		ch <- prometheus.MustNewConstMetric(c.mixerRefreshDesc, prometheus.CounterValue, float64(c.mixer.RefreshTotal()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
