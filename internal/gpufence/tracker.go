// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gpufence ensures the guest never deadlocks waiting on a fence
// even when the GPU worker is unavailable, slow, or crashes (spec.md
// §4.3). It owns a bounded pending-submission FIFO and an in-flight
// fence map; the coordinator drives it from worker messages but never
// touches its internals directly, mirroring how the teacher's
// virtcontainers/monitor.go is the sole owner of its watcher state.
package gpufence

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var trackerLog = logrus.NewEntry(logrus.StandardLogger()).WithField("subsystem", "gpufence")

// SetLogger overrides the package logger, following the same
// SetLogger(logger) convention the teacher uses for virtcontainers.
func SetLogger(logger logrus.FieldLogger) {
	trackerLog = logger.WithField("subsystem", "gpufence")
}

// DefaultPendingQueueCap bounds the pending-submission FIFO so
// InFlightFence never needs to grow to match it (spec.md Invariant iii).
const DefaultPendingQueueCap = 256

// Submission is a CPU-originated GPU submission, queued while the GPU
// worker is not ready.
type Submission struct {
	ContextID     uint64
	SignalFence   uint64
	CmdStream     []byte
	AllocTable    []byte
	HasAllocTable bool
}

// Tracker holds the pending FIFO and in-flight fence map for one VM
// instance's GPU path. Every exported method takes mu, so calls from
// several goroutines are serialized; the coordinator drives it from its
// single event loop (spec.md §5).
type Tracker struct {
	mu sync.Mutex // guards every field below

	cap           int
	pending       []Submission
	inFlight      map[uint64]uint64 // requestID -> signalFence
	inFlightOrder []uint64          // requestIDs in forward order, for ordered termination
	nextRequest   uint64
	droppedTotal  uint64

	ready bool
}

// NewTracker returns a Tracker with the given pending-queue capacity.
func NewTracker(cap int) *Tracker {
	if cap <= 0 {
		cap = DefaultPendingQueueCap
	}
	return &Tracker{
		cap:      cap,
		inFlight: make(map[uint64]uint64),
	}
}

// PendingLen returns the current pending-queue depth.
func (t *Tracker) PendingLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// InFlightLen returns the current in-flight fence count.
func (t *Tracker) InFlightLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// DroppedTotal returns the cumulative count of pending submissions force-
// completed because the queue was at capacity (spec.md Invariant iii).
// Monotonically increasing for the lifetime of the Tracker, for the
// coordinator to expose as a Prometheus counter.
func (t *Tracker) DroppedTotal() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.droppedTotal
}

// SetReady updates whether the GPU worker is currently ready to accept
// forwarded submissions. It does not itself drain the pending queue;
// callers should follow a false->true transition with DrainPending.
func (t *Tracker) SetReady(ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = ready
}

func (t *Tracker) isReady() bool {
	return t.ready
}
