// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import (
	"context"
	"time"

	"github.com/aerocore/vmcore/internal/proto"
	"github.com/aerocore/vmcore/internal/vmconfig"
	"github.com/aerocore/vmcore/internal/worker"
)

// allWorkerStates lists every worker.State, for the worker_state gauge
// to zero the ones a role is not currently in.
var allWorkerStates = []string{
	string(worker.StateAbsent),
	string(worker.StateStarting),
	string(worker.StateReady),
	string(worker.StateTerminated),
	string(worker.StateFailed),
}

// spawnWorkerLocked starts a fresh instance of role, replacing any
// previous handle. Callers must hold c.mu. Every spawn site in this
// package (Start, restartLocked, resetLocked, restartWorkerLocked)
// funnels through here, so entry-point selection never needs to be
// re-derived at each of them separately.
func (c *Coordinator) spawnWorkerLocked(role worker.Role) {
	instanceID := c.nextInstanceID[role]
	c.nextInstanceID[role] = instanceID + 1

	entry, variant := c.entrypointForLocked(role)

	h := worker.Spawn(c.ctx, role, instanceID, entry, c.fromWorkers)
	c.handles[role] = h
	c.setStateLocked(role, worker.StateStarting, instanceID)

	st := c.statuses[role]
	st.EntrypointVariant = variant
	c.statuses[role] = st

	h.Send(c.buildInitMessage(role))
}

// entrypointForLocked selects the goroutine that will run role for
// this spawn (spec.md §4.1 "Entry-point selection": the CPU role has a
// "legacy" and a "machine" entrypoint chosen by config, stable across
// restart/reset/restartWorker/updateConfig unless the selector itself
// changes). A WithEntrypoint override always wins — that is how a test
// substitutes a controllable double for any role, CPU included.
// Otherwise every role but CPU always runs DefaultEntrypoint; CPU reads
// its selector fresh from the active config at every spawn, so a config
// change that flips VMRuntime is picked up the next time CPU is
// actually respawned, without any spawn site needing to special-case
// it.
func (c *Coordinator) entrypointForLocked(role worker.Role) (worker.Entrypoint[proto.Message], string) {
	if entry := c.entrypoints[role]; entry != nil {
		return entry, "override"
	}
	if role != worker.RoleCPU {
		return DefaultEntrypoint(role), ""
	}
	if c.config.EffectiveVMRuntime() == vmconfig.RuntimeMachine {
		return DefaultMachineEntrypoint(role), string(vmconfig.RuntimeMachine)
	}
	return DefaultEntrypoint(role), string(vmconfig.RuntimeLegacy)
}

func (c *Coordinator) setStateLocked(role worker.Role, state worker.State, instanceID uint64) {
	st := c.statuses[role]
	st.Role = role
	st.State = state
	st.InstanceID = instanceID
	if state == worker.StateReady {
		st.LastReadyAt = time.Now()
	}
	c.statuses[role] = st
	c.metrics.setWorkerState(string(role), string(state), allWorkerStates)
}

// Status returns the coordinator's current view of role. The zero
// Status (State == "") is returned for an unrecognized role.
func (c *Coordinator) Status(role worker.Role) worker.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[role]
}

// buildInitMessage constructs the InitMessage sent to a freshly spawned
// worker. Because every worker here is a goroutine in this same
// process rather than a separate browser Worker reached over
// postMessage, there is no real SharedArrayBuffer to transfer; the
// byte-slice fields exist for wire-shape fidelity with spec.md §3's
// InitMessage and are left empty. Entrypoints that need access to the
// coordinator's actual shared state (the rings, the framebuffer) are
// test doubles registered via WithEntrypoint and close over it
// directly, the same way the teacher's mock_hypervisor.go closes over
// its owning Sandbox instead of receiving it as a message payload.
func (c *Coordinator) buildInitMessage(role worker.Role) proto.Message {
	return proto.InitMessage{
		Role:                         role,
		SharedFramebufferOffsetBytes: 0,
	}
}

// DefaultEntrypoint returns the no-op worker behavior used when the
// embedder has not registered a real one for role: it acknowledges
// Init with Ready and otherwise idles until ctx is cancelled, playing
// the part the teacher's noop_agent.go plays for an external agent
// process.
func DefaultEntrypoint(role worker.Role) worker.Entrypoint[proto.Message] {
	return func(ctx context.Context, inbox <-chan proto.Message, post func(proto.Message)) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-inbox:
				if _, ok := msg.(proto.InitMessage); ok {
					post(proto.ReadyMessage{Role: role})
				}
			}
		}
	}
}

// DefaultMachineEntrypoint is the nominal entrypoint for RuntimeMachine
// CPU selection. It is functionally identical to DefaultEntrypoint in
// this coordination core — neither runs a real instruction-set
// emulator, both just ack Init with Ready — but is kept as its own
// function so a real machine-mode CPU loop has a place to go without
// touching entrypointForLocked's selection logic.
func DefaultMachineEntrypoint(role worker.Role) worker.Entrypoint[proto.Message] {
	return DefaultEntrypoint(role)
}
