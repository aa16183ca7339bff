// Copyright 2025 The memtrack Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package memtrack

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRegisterMetricsPublishesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(100, "leaf", nil)
	tr.RegisterMetrics(reg, "query.leaf")

	require.EqualValues(t, 100, gaugeValue(t, tr.metrics.limit))

	tr.Consume(40)
	require.EqualValues(t, 40, gaugeValue(t, tr.metrics.current))
	require.EqualValues(t, 40, gaugeValue(t, tr.metrics.peak))

	tr.Release(10)
	require.EqualValues(t, 30, gaugeValue(t, tr.metrics.current))
	require.EqualValues(t, 40, gaugeValue(t, tr.metrics.peak), "peak must not regress")
}

func TestRegisterMetricsPublishesGCStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(100, "leaf", nil)
	tr.RegisterMetrics(reg, "query.leaf")
	tr.AddGCCallback(func() { tr.Release(50) })

	tr.Consume(110)
	require.False(t, tr.LimitExceeded())

	var gc dto.Metric
	require.NoError(t, tr.metrics.gcCount.Write(&gc))
	require.EqualValues(t, 1, gc.GetCounter().GetValue())
	require.EqualValues(t, 50, gaugeValue(t, tr.metrics.lastGCBytesFreed))
}
