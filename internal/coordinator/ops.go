// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package coordinator

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/aerocore/vmcore/internal/configdiff"
	"github.com/aerocore/vmcore/internal/devcontract"
	"github.com/aerocore/vmcore/internal/nettrace"
	"github.com/aerocore/vmcore/internal/proto"
	"github.com/aerocore/vmcore/internal/shmem"
	"github.com/aerocore/vmcore/internal/vmconfig"
	"github.com/aerocore/vmcore/internal/worker"
)

// UpdateConfig classifies the transition from the active config to
// next and applies the minimum-impact action (spec.md §4.7): an
// unchanged config does nothing, a non-binding change is applied in
// place with no worker ever told about it, a boot-disk change
// re-derives disk routing without a restart, and anything that would
// change PCI identity or VM runtime schedules a full restart.
func (c *Coordinator) UpdateConfig(ctx context.Context, next vmconfig.Config) (configdiff.Decision, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "coordinator.UpdateConfig")
	defer span.Finish()

	c.mu.Lock()
	defer c.mu.Unlock()

	decision := configdiff.Decide(c.config, next)
	span.SetTag("action", decision.Action.String())
	c.config = next.Clone()

	switch decision.Action {
	case configdiff.ActionFullRestart:
		c.contract = devcontract.Build(c.config)
		c.scheduleFullRestartLocked(decision.Reason)

	case configdiff.ActionRingReevaluation:
		if h := c.handles[worker.RoleIO]; h != nil {
			h.Send(proto.SetBootDisksMessage{
				BootDisks: c.config.BootDisks,
				HDD:       c.config.HDD,
				CD:        c.config.CD,
			})
		}

	case configdiff.ActionMutateInPlace, configdiff.ActionNone:
		// Nothing worker-visible changed; the stored config above is the
		// entire effect.
	}

	return decision, nil
}

// SetBootDisks is a convenience wrapping UpdateConfig for the common
// case of only the disk set changing.
func (c *Coordinator) SetBootDisks(ctx context.Context, disks []vmconfig.DiskMount, hdd, cd *vmconfig.DiskMount) (configdiff.Decision, error) {
	c.mu.Lock()
	next := c.config.Clone()
	c.mu.Unlock()

	next.BootDisks = disks
	next.HDD = hdd
	next.CD = cd
	return c.UpdateConfig(ctx, next)
}

// Config returns a copy of the currently active config.
func (c *Coordinator) Config() vmconfig.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Clone()
}

// DeviceContract returns the device contract built from the currently
// active config.
func (c *Coordinator) DeviceContract() devcontract.DeviceContract {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contract
}

// SetAudioRingBufferOwner moves ownership of the audio-out ring to
// role, sending the detach-then-attach pair of messages the previous
// and new owners need (spec.md §3 RingOwnership). Passing the empty
// Role detaches without assigning a new owner.
func (c *Coordinator) SetAudioRingBufferOwner(role worker.Role) error {
	return c.setRingOwner(shmem.RingAudioOut, role, c.audioRing)
}

// SetMicRingBufferOwner moves ownership of the mic-in ring to role.
func (c *Coordinator) SetMicRingBufferOwner(role worker.Role) error {
	return c.setRingOwner(shmem.RingMicIn, role, c.micRing)
}

func (c *Coordinator) setRingOwner(kind shmem.RingKind, role worker.Role, ring *shmem.Ring) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	selector := shmem.NoOwner()
	if role != "" {
		selector = shmem.OwnedBy(role)
	}

	transition, err := c.owners.SetOwner(kind, selector)
	if err != nil {
		return err
	}

	var msg proto.Message
	switch kind {
	case shmem.RingAudioOut:
		msg = proto.SetAudioRingBufferMessage{}
	case shmem.RingMicIn:
		msg = proto.SetMicRingBufferMessage{}
	}

	if transition.HasDetach() {
		if h := c.handles[transition.Detach]; h != nil {
			h.Send(detachedCopy(msg))
		}
	}
	if transition.HasAttach() {
		if h := c.handles[transition.Attach]; h != nil {
			h.Send(attachedCopy(msg, ring))
		}
	}
	return nil
}

// detachedCopy returns the zero-Buffer ("detach") variant of a ring
// ownership message.
func detachedCopy(msg proto.Message) proto.Message {
	switch msg.(type) {
	case proto.SetAudioRingBufferMessage:
		return proto.SetAudioRingBufferMessage{Buffer: nil}
	case proto.SetMicRingBufferMessage:
		return proto.SetMicRingBufferMessage{Buffer: nil}
	}
	return msg
}

// attachedCopy returns the attach variant of a ring ownership message,
// carrying ring as its Buffer.
func attachedCopy(msg proto.Message, ring *shmem.Ring) proto.Message {
	switch msg.(type) {
	case proto.SetAudioRingBufferMessage:
		return proto.SetAudioRingBufferMessage{Buffer: ring}
	case proto.SetMicRingBufferMessage:
		return proto.SetMicRingBufferMessage{Buffer: ring}
	}
	return msg
}

// SetNetTraceEnabled toggles guest network capture, persisting the flag
// so it survives a Net worker restart (spec.md §4.5).
func (c *Coordinator) SetNetTraceEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.net.SetEnabled(enabled, c.netSender())
}

// NetTraceEnabled reports the persisted enable flag.
func (c *Coordinator) NetTraceEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.Enabled()
}

// TakeNetTracePcapng requests and waits for a pcapng snapshot that also
// clears the Net worker's buffered records.
func (c *Coordinator) TakeNetTracePcapng(ctx context.Context) (nettrace.PcapngResult, error) {
	c.mu.Lock()
	f := c.net.TakePcapng(c.netSender())
	c.mu.Unlock()
	return f.Wait(ctx)
}

// ExportNetTracePcapng requests and waits for a pcapng snapshot without
// clearing the Net worker's buffered records.
func (c *Coordinator) ExportNetTracePcapng(ctx context.Context) (nettrace.PcapngResult, error) {
	c.mu.Lock()
	f := c.net.ExportPcapng(c.netSender())
	c.mu.Unlock()
	return f.Wait(ctx)
}

// GetNetTraceStats requests and waits for the Net worker's current
// capture statistics.
func (c *Coordinator) GetNetTraceStats(ctx context.Context) (nettrace.Stats, error) {
	c.mu.Lock()
	f := c.net.GetStats(c.netSender())
	c.mu.Unlock()
	return f.Wait(ctx)
}

// ClearNetTrace drops any outstanding take/export/status requests
// without restarting the Net worker.
func (c *Coordinator) ClearNetTrace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.net.Clear()
}
