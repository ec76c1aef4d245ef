// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, m *metricsSet, name string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		require.NotEmpty(t, f.Metric)
		metric := f.Metric[0]
		switch {
		case metric.Gauge != nil:
			return metric.Gauge.GetValue()
		case metric.Counter != nil:
			return metric.Counter.GetValue()
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

func TestObserveGPURefreshesGaugesAndAccumulatesDropCounter(t *testing.T) {
	m := newMetricsSet()

	m.observeGPU(3, 1, 5)
	assert.Equal(t, 3.0, gatherValue(t, m, "aerocore_gpufence_pending_depth"))
	assert.Equal(t, 1.0, gatherValue(t, m, "aerocore_gpufence_in_flight_depth"))
	assert.Equal(t, 5.0, gatherValue(t, m, "aerocore_gpufence_dropped_total"))

	m.observeGPU(0, 0, 9)
	assert.Equal(t, 0.0, gatherValue(t, m, "aerocore_gpufence_pending_depth"))
	assert.Equal(t, 9.0, gatherValue(t, m, "aerocore_gpufence_dropped_total"), "drop counter must accumulate, not reset, across observations")
}

func TestObserveNetDroppedAccumulatesFromSelfReportedTotals(t *testing.T) {
	m := newMetricsSet()

	m.observeNetDropped(10, 2048)
	assert.Equal(t, 10.0, gatherValue(t, m, "aerocore_nettrace_dropped_records_total"))
	assert.Equal(t, 2048.0, gatherValue(t, m, "aerocore_nettrace_dropped_bytes_total"))

	m.observeNetDropped(25, 4096)
	assert.Equal(t, 25.0, gatherValue(t, m, "aerocore_nettrace_dropped_records_total"))
	assert.Equal(t, 4096.0, gatherValue(t, m, "aerocore_nettrace_dropped_bytes_total"))
}
