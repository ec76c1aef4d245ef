// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet holds every Prometheus collector the coordinator exports,
// registered against a private registry rather than the global default
// so multiple Coordinators (as in tests) never collide on metric names.
type metricsSet struct {
	registry *prometheus.Registry

	workerRestarts *prometheus.CounterVec
	fullRestarts   prometheus.Counter
	workerState    *prometheus.GaugeVec

	gpuPendingDepth  prometheus.Gauge
	gpuInFlightDepth prometheus.Gauge
	gpuDropped       prometheus.Counter
	lastGPUDropped   uint64 // last value observed from gpufence.Tracker.DroppedTotal, for delta-Add

	netDroppedRecords     prometheus.Counter
	netDroppedBytes       prometheus.Counter
	lastNetDroppedRecords uint64
	lastNetDroppedBytes   uint64
}

func newMetricsSet() *metricsSet {
	reg := prometheus.NewRegistry()

	m := &metricsSet{
		registry: reg,
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aerocore",
			Subsystem: "coordinator",
			Name:      "worker_restarts_total",
			Help:      "Number of in-place worker restarts, by role.",
		}, []string{"role"}),
		fullRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aerocore",
			Subsystem: "coordinator",
			Name:      "full_restarts_total",
			Help:      "Number of full VM restarts.",
		}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aerocore",
			Subsystem: "coordinator",
			Name:      "worker_state",
			Help:      "1 if the role is currently in the given state, 0 otherwise.",
		}, []string{"role", "state"}),
		gpuPendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aerocore",
			Subsystem: "gpufence",
			Name:      "pending_depth",
			Help:      "Current depth of the GPU fence tracker's pending-submission FIFO.",
		}),
		gpuInFlightDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aerocore",
			Subsystem: "gpufence",
			Name:      "in_flight_depth",
			Help:      "Current count of GPU submissions forwarded but not yet completed.",
		}),
		gpuDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aerocore",
			Subsystem: "gpufence",
			Name:      "dropped_total",
			Help:      "Pending GPU submissions force-completed because the queue was at capacity.",
		}),
		netDroppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aerocore",
			Subsystem: "nettrace",
			Name:      "dropped_records_total",
			Help:      "Packet records dropped by the Net worker's trace capture, as last reported.",
		}),
		netDroppedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aerocore",
			Subsystem: "nettrace",
			Name:      "dropped_bytes_total",
			Help:      "Bytes dropped by the Net worker's trace capture, as last reported.",
		}),
	}

	reg.MustRegister(
		m.workerRestarts, m.fullRestarts, m.workerState,
		m.gpuPendingDepth, m.gpuInFlightDepth, m.gpuDropped,
		m.netDroppedRecords, m.netDroppedBytes,
	)
	return m
}

// setWorkerState updates the worker_state gauge so exactly one state
// per role reads 1.
func (m *metricsSet) setWorkerState(role, state string, allStates []string) {
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.workerState.WithLabelValues(role, s).Set(value)
	}
}

// observeGPU refreshes the gpufence gauges and advances the drop counter
// by however much droppedTotal grew since the last observation. Callers
// must already hold the coordinator's lock, matching every other method
// that touches metricsSet state.
func (m *metricsSet) observeGPU(pendingDepth, inFlightDepth int, droppedTotal uint64) {
	m.gpuPendingDepth.Set(float64(pendingDepth))
	m.gpuInFlightDepth.Set(float64(inFlightDepth))
	if droppedTotal > m.lastGPUDropped {
		m.gpuDropped.Add(float64(droppedTotal - m.lastGPUDropped))
	}
	m.lastGPUDropped = droppedTotal
}

// observeNetDropped advances the nettrace drop counters by however much
// the Net worker's self-reported totals grew since the last status
// response. The Net worker's own counters reset whenever it restarts, so
// a droppedRecords/droppedBytes value lower than what was last observed
// is treated as a fresh baseline rather than backed out of the counter.
func (m *metricsSet) observeNetDropped(droppedRecords, droppedBytes uint64) {
	if droppedRecords >= m.lastNetDroppedRecords {
		m.netDroppedRecords.Add(float64(droppedRecords - m.lastNetDroppedRecords))
	}
	m.lastNetDroppedRecords = droppedRecords

	if droppedBytes >= m.lastNetDroppedBytes {
		m.netDroppedBytes.Add(float64(droppedBytes - m.lastNetDroppedBytes))
	}
	m.lastNetDroppedBytes = droppedBytes
}
