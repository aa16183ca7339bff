// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// metricHandles holds the externally registered counters a Tracker
// publishes to. Metrics are write-only from the tracker's perspective: it
// never reads them back to make an accounting decision.
type metricHandles struct {
	current          prometheus.Gauge
	peak             prometheus.Gauge
	limit            prometheus.Gauge
	gcCount          prometheus.Counter
	lastGCBytesFreed prometheus.Gauge
	bytesOverLimit   prometheus.Gauge
}

// RegisterMetrics publishes this tracker's peak, current, limit, gc-count,
// last-gc-bytes-freed, and bytes-over-limit to reg, under names derived
// from prefix. The conceptual name of each field is "<prefix>.<field>";
// since Prometheus metric names may not contain dots, prefix's dots are
// folded to underscores when building the registered name.
func (t *Tracker) RegisterMetrics(reg *prometheus.Registry, prefix string) {
	base := metricBaseName(prefix)
	h := &metricHandles{
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: base + "_current_bytes",
			Help: prefix + ".current: current memory consumption tracked by " + t.label,
		}),
		peak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: base + "_peak_bytes",
			Help: prefix + ".peak: highest memory consumption observed by " + t.label,
		}),
		limit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: base + "_limit_bytes",
			Help: prefix + ".limit: configured byte limit for " + t.label,
		}),
		gcCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: base + "_gc_total",
			Help: prefix + ".gc_count: number of GC callback invocations for " + t.label,
		}),
		lastGCBytesFreed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: base + "_last_gc_bytes_freed",
			Help: prefix + ".last_gc_bytes_freed: bytes reclaimed by the most recent GC pass on " + t.label,
		}),
		bytesOverLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: base + "_bytes_over_limit",
			Help: prefix + ".bytes_over_limit: bytes by which " + t.label + " last exceeded its limit",
		}),
	}
	reg.MustRegister(h.current, h.peak, h.limit, h.gcCount, h.lastGCBytesFreed, h.bytesOverLimit)

	h.limit.Set(float64(t.limit))
	t.metrics = h
	t.publishCounters()
}

func metricBaseName(prefix string) string {
	return strings.ReplaceAll(strings.ReplaceAll(prefix, ".", "_"), "-", "_")
}

// publishCounters pushes current and peak to metrics, if bound. It is a
// no-op before RegisterMetrics is called.
func (t *Tracker) publishCounters() {
	if t.metrics == nil {
		return
	}
	t.metrics.current.Set(float64(t.Consumption()))
	t.metrics.peak.Set(float64(t.PeakConsumption()))
}
