// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package worker

import "time"

// State is a worker's lifecycle state (spec.md §3 WorkerStatus).
type State string

const (
	StateAbsent     State = "absent"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// Status is the coordinator's view of one role's current instance.
type Status struct {
	Role       Role
	State      State
	InstanceID uint64
	// EntrypointVariant records which nominal entrypoint this instance
	// was spawned with (spec.md §4.1 "Entry-point selection"): "legacy"
	// or "machine" for the CPU role, "override" when a WithEntrypoint
	// test double is registered, empty for every other role.
	EntrypointVariant string
	LastReadyAt       time.Time
}
