// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import (
	"github.com/aerocore/vmcore/internal/gpufence"
	"github.com/aerocore/vmcore/internal/nettrace"
	"github.com/aerocore/vmcore/internal/proto"
	"github.com/aerocore/vmcore/internal/shmem"
	"github.com/aerocore/vmcore/internal/worker"
)

// handleEnvelope processes one message posted by a worker. A message
// from a role/instance pair that is not the role's current instance is
// dropped silently — it is a straggler from an instance the coordinator
// has already moved past, not an error (spec.md §3 "stale instance
// rejection").
func (c *Coordinator) handleEnvelope(env proto.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.statuses[env.Role]
	if !ok || status.InstanceID != env.InstanceID {
		c.log.WithFields(map[string]interface{}{
			"role": string(env.Role), "instanceID": env.InstanceID, "kind": string(env.Msg.Kind()),
		}).Debug("dropping message from stale or unknown worker instance")
		return
	}

	switch msg := env.Msg.(type) {
	case proto.ReadyMessage:
		c.setStateLocked(env.Role, worker.StateReady, env.InstanceID)
		c.readyResyncLocked(env.Role)

	case proto.ErrorMessage:
		c.handleWorkerErrorLocked(env.Role, msg.Message)

	case proto.GPUSubmitMessage:
		if env.Role != worker.RoleCPU {
			return
		}
		c.gpu.Submit(gpufence.Submission{
			ContextID:     msg.ContextID,
			SignalFence:   msg.SignalFence,
			CmdStream:     msg.CmdStream,
			AllocTable:    msg.AllocTable,
			HasAllocTable: msg.HasAllocTable,
		}, c.gpuForwarder(), c.completeFence())
		c.observeGPUMetricsLocked()

	case proto.GPUSubmitCompleteMessage:
		if env.Role != worker.RoleGPU {
			return
		}
		c.gpu.Complete(msg.RequestID, msg.CompletedFence, c.completeFence())
		c.observeGPUMetricsLocked()

	case proto.NetTracePcapngResult:
		if env.Role != worker.RoleNet {
			return
		}
		c.net.OnPcapngResult(msg.RequestID, nettrace.PcapngResult{Bytes: msg.Bytes})

	case proto.NetTraceStatusResult:
		if env.Role != worker.RoleNet {
			return
		}
		c.net.OnStatusResult(msg.RequestID, nettrace.Stats{
			Enabled:        msg.Enabled,
			Records:        msg.Records,
			Bytes:          msg.Bytes,
			DroppedRecords: msg.DroppedRecords,
			DroppedBytes:   msg.DroppedBytes,
		})
		c.metrics.observeNetDropped(msg.DroppedRecords, msg.DroppedBytes)

	default:
		// Unknown or not-coordinator-bound kinds are dropped, matching
		// proto.Kind's documented "unknown kinds are silently dropped"
		// contract.
	}
}

// handleWorkerErrorLocked applies spec.md §4.1's restart policy: Net
// restarts in place, everything else forces a full (debounced) VM
// restart.
func (c *Coordinator) handleWorkerErrorLocked(role worker.Role, message string) {
	c.setStateLocked(role, worker.StateFailed, c.statuses[role].InstanceID)
	c.log.WithFields(map[string]interface{}{"role": string(role), "error": message}).Error("worker reported a fatal error")

	if role == worker.RoleGPU {
		c.gpu.TerminateGPU(func(fence uint64) {
			c.forwardCompleteFenceLocked(fence)
		})
		c.observeGPUMetricsLocked()
	}
	if role == worker.RoleNet {
		c.net.OnNetWorkerTerminated()
	}

	if role.RestartableInPlace() {
		_ = c.restartWorkerLocked(c.ctx, role)
		return
	}
	c.scheduleFullRestartLocked("role " + string(role) + " failed: " + message)
}

// readyResyncLocked resends only the state relevant to the role that
// just became ready (spec.md §4.1 "Ready re-sync"), never the other
// roles' state.
func (c *Coordinator) readyResyncLocked(role worker.Role) {
	h := c.handles[role]
	if h == nil {
		return
	}

	switch role {
	case worker.RoleIO:
		c.resendRingOwnershipLocked(worker.RoleIO)
		h.Send(proto.SetBootDisksMessage{
			BootDisks: c.config.BootDisks,
			HDD:       c.config.HDD,
			CD:        c.config.CD,
		})
	case worker.RoleCPU:
		c.resendRingOwnershipLocked(worker.RoleCPU)
	case worker.RoleGPU:
		c.gpu.SetReady(true)
		c.gpu.DrainPending(c.gpuForwarder(), c.completeFence())
		c.observeGPUMetricsLocked()
	case worker.RoleNet:
		c.net.ReapplyOnReady(c.netSender())
	}
}

// resendRingOwnershipLocked re-sends the attach message for every ring
// role currently owns, so a worker that just restarted recovers its
// ring attachment without the coordinator re-running the full
// SetOwner transition.
func (c *Coordinator) resendRingOwnershipLocked(role worker.Role) {
	h := c.handles[role]
	if h == nil {
		return
	}
	if c.owners.Owner(shmem.RingAudioOut) == role {
		h.Send(proto.SetAudioRingBufferMessage{Buffer: c.audioRing})
	}
	if c.owners.Owner(shmem.RingMicIn) == role {
		h.Send(proto.SetMicRingBufferMessage{Buffer: c.micRing})
	}
}

func (c *Coordinator) forwardCompleteFenceLocked(fence uint64) {
	if h := c.handles[worker.RoleCPU]; h != nil {
		h.Send(proto.GPUCompleteFenceMessage{Fence: fence})
	}
}

// completeFence returns a gpufence.CompleteFenceFunc bound to this
// coordinator's CPU worker handle.
func (c *Coordinator) completeFence() gpufence.CompleteFenceFunc {
	return func(fence uint64) { c.forwardCompleteFenceLocked(fence) }
}

// observeGPUMetricsLocked refreshes the gpufence Prometheus collectors
// from the tracker's current state. Callers must hold c.mu.
func (c *Coordinator) observeGPUMetricsLocked() {
	c.metrics.observeGPU(c.gpu.PendingLen(), c.gpu.InFlightLen(), c.gpu.DroppedTotal())
}

// gpuForwarder returns a gpufence.Forwarder that posts to the GPU
// worker's handle, using the coordinator-assigned request id.
func (c *Coordinator) gpuForwarder() gpufence.Forwarder {
	return gpuForwarderFunc(func(sub gpufence.ForwardedSubmission, withTransferList bool) error {
		h := c.handles[worker.RoleGPU]
		if h == nil {
			return errUnknownRole
		}
		h.Send(proto.GPUForwardSubmitMessage{
			Protocol:        "aerogpu",
			ProtocolVersion: 1,
			RequestID:       sub.RequestID,
			ContextID:       sub.ContextID,
			SignalFence:     sub.SignalFence,
			CmdStream:       sub.CmdStream,
			AllocTable:      sub.AllocTable,
			HasAllocTable:   sub.HasAllocTable,
			NoTransferList:  !withTransferList,
		})
		return nil
	})
}

type gpuForwarderFunc func(sub gpufence.ForwardedSubmission, withTransferList bool) error

func (f gpuForwarderFunc) Forward(sub gpufence.ForwardedSubmission, withTransferList bool) error {
	return f(sub, withTransferList)
}

// netSender returns a nettrace.Sender that posts to the Net worker's
// handle.
func (c *Coordinator) netSender() nettrace.Sender {
	return &netSenderAdapter{c: c}
}

type netSenderAdapter struct{ c *Coordinator }

func (a *netSenderAdapter) SendEnable()  { a.send(proto.NetTraceEnableMessage{}) }
func (a *netSenderAdapter) SendDisable() { a.send(proto.NetTraceDisableMessage{}) }

func (a *netSenderAdapter) SendTakePcapng(requestID uint64) error {
	return a.sendErr(proto.NetTraceTakePcapngMessage{RequestID: requestID})
}

func (a *netSenderAdapter) SendExportPcapng(requestID uint64) error {
	return a.sendErr(proto.NetTraceExportPcapngMessage{RequestID: requestID})
}

func (a *netSenderAdapter) SendStatus(requestID uint64) error {
	return a.sendErr(proto.NetTraceStatusMessage{RequestID: requestID})
}

func (a *netSenderAdapter) send(msg proto.Message) {
	if h := a.c.handles[worker.RoleNet]; h != nil {
		h.Send(msg)
	}
}

func (a *netSenderAdapter) sendErr(msg proto.Message) error {
	h := a.c.handles[worker.RoleNet]
	if h == nil {
		return errUnknownRole
	}
	h.Send(msg)
	return nil
}
