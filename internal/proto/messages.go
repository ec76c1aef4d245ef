// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package proto defines the tagged message variants exchanged between the
// coordinator and its workers (the L2 tunnel's wire records live in
// internal/l2tunnel instead). It is the Go-native replacement for the duck-typed
// structural messages of the source system: every kind gets its own
// struct instead of an ad-hoc map.
package proto

import (
	"github.com/aerocore/vmcore/internal/vmconfig"
	"github.com/aerocore/vmcore/internal/worker"
)

// Kind tags a Message with its wire type. Unknown kinds are silently
// dropped by recipients rather than treated as errors.
type Kind string

const (
	KindInit     Kind = "init"
	KindReady    Kind = "ready"
	KindShutdown Kind = "shutdown"
	KindError    Kind = "error"

	KindSetAudioRingBuffer Kind = "setAudioRingBuffer"
	KindSetMicRingBuffer   Kind = "setMicRingBuffer"
	KindSetBootDisks       Kind = "setBootDisks"

	KindGPUSubmit         Kind = "aerogpu.submit"
	KindGPUForwardSubmit  Kind = "submit_aerogpu"
	KindGPUSubmitComplete Kind = "submit_complete"
	KindGPUCompleteFence  Kind = "aerogpu.complete_fence"

	KindNetTraceEnable       Kind = "net.trace.enable"
	KindNetTraceDisable      Kind = "net.trace.disable"
	KindNetTraceTakePcapng   Kind = "net.trace.take_pcapng"
	KindNetTraceExportPcapng Kind = "net.trace.export_pcapng"
	KindNetTraceStatus       Kind = "net.trace.status"
	KindNetTracePcapng       Kind = "net.trace.pcapng"
	KindNetTraceStatusResult Kind = "net.trace.status.result"
)

// Message is implemented by every concrete message variant.
type Message interface {
	Kind() Kind
}

// Envelope is the concrete instantiation of worker.Envelope used
// throughout this repository: a Message tagged with the role and
// instance id of the worker it came from, so the coordinator can reject
// messages from stale instances without inspecting the payload.
type Envelope = worker.Envelope[Message]

// InitMessage is sent coordinator -> worker exactly once, at spawn time.
type InitMessage struct {
	Role                         worker.Role
	ControlSAB                   []byte
	GuestMemory                  []byte
	VgaFramebuffer               []byte
	IoIpcSAB                     []byte
	SharedFramebuffer            []byte
	SharedFramebufferOffsetBytes uint64
	FrameStateSAB                []byte
	PerfChannel                  []byte
}

func (InitMessage) Kind() Kind { return KindInit }

// ReadyMessage acknowledges InitMessage; worker -> coordinator.
type ReadyMessage struct {
	Role worker.Role
}

func (ReadyMessage) Kind() Kind { return KindReady }

// ErrorMessage reports a fatal worker-side event; worker -> coordinator.
type ErrorMessage struct {
	Role    worker.Role
	Message string
}

func (ErrorMessage) Kind() Kind { return KindError }

// ShutdownMessage requests a worker to terminate; coordinator -> worker.
type ShutdownMessage struct{}

func (ShutdownMessage) Kind() Kind { return KindShutdown }

// RingBufferHandle identifies a shared ring buffer attachment. A nil
// Buffer field on SetAudioRingBufferMessage/SetMicRingBufferMessage means
// "detach."
type RingBufferHandle struct {
	Buffer interface{}
}

// SetAudioRingBufferMessage attaches (Buffer != nil) or detaches
// (Buffer == nil) the audio-out ring for the receiving worker.
type SetAudioRingBufferMessage struct {
	Buffer interface{}
}

func (SetAudioRingBufferMessage) Kind() Kind { return KindSetAudioRingBuffer }

// SetMicRingBufferMessage attaches or detaches the microphone-in ring.
type SetMicRingBufferMessage struct {
	Buffer interface{}
}

func (SetMicRingBufferMessage) Kind() Kind { return KindSetMicRingBuffer }

// SetBootDisksMessage tells the IO worker the current boot disk set,
// sent after a ring_reevaluation config transition (spec.md §4.7 rule
// 3) and each time the IO worker reports Ready.
type SetBootDisksMessage struct {
	BootDisks []vmconfig.DiskMount
	HDD       *vmconfig.DiskMount
	CD        *vmconfig.DiskMount
}

func (SetBootDisksMessage) Kind() Kind { return KindSetBootDisks }

// GPUSubmitMessage is the CPU -> coordinator submission request.
type GPUSubmitMessage struct {
	ContextID    uint64
	SignalFence  uint64
	CmdStream    []byte
	AllocTable   []byte
	HasAllocTable bool
}

func (GPUSubmitMessage) Kind() Kind { return KindGPUSubmit }

// GPUForwardSubmitMessage is coordinator -> GPU, carrying a coordinator
// assigned request id.
type GPUForwardSubmitMessage struct {
	Protocol        string
	ProtocolVersion int
	RequestID       uint64
	ContextID       uint64
	SignalFence     uint64
	CmdStream       []byte
	AllocTable      []byte
	HasAllocTable   bool
	// NoTransferList is set on the fallback retry, so fakes can assert
	// the coordinator fell back to the copy path.
	NoTransferList bool
}

func (GPUForwardSubmitMessage) Kind() Kind { return KindGPUForwardSubmit }

// GPUSubmitCompleteMessage is GPU -> coordinator.
type GPUSubmitCompleteMessage struct {
	Protocol        string
	ProtocolVersion int
	RequestID       uint64
	CompletedFence  uint64
}

func (GPUSubmitCompleteMessage) Kind() Kind { return KindGPUSubmitComplete }

// GPUCompleteFenceMessage is coordinator -> CPU.
type GPUCompleteFenceMessage struct {
	Fence uint64
}

func (GPUCompleteFenceMessage) Kind() Kind { return KindGPUCompleteFence }

// NetTraceEnableMessage / NetTraceDisableMessage are fire-and-forget
// toggles, coordinator -> Net.
type NetTraceEnableMessage struct{}

func (NetTraceEnableMessage) Kind() Kind { return KindNetTraceEnable }

type NetTraceDisableMessage struct{}

func (NetTraceDisableMessage) Kind() Kind { return KindNetTraceDisable }

// NetTraceTakePcapngMessage / NetTraceExportPcapngMessage /
// NetTraceStatusMessage are RPC-style requests, coordinator -> Net.
type NetTraceTakePcapngMessage struct {
	RequestID uint64
}

func (NetTraceTakePcapngMessage) Kind() Kind { return KindNetTraceTakePcapng }

type NetTraceExportPcapngMessage struct {
	RequestID uint64
}

func (NetTraceExportPcapngMessage) Kind() Kind { return KindNetTraceExportPcapng }

type NetTraceStatusMessage struct {
	RequestID uint64
}

func (NetTraceStatusMessage) Kind() Kind { return KindNetTraceStatus }

// NetTracePcapngResult is Net -> coordinator, response to take/export.
type NetTracePcapngResult struct {
	RequestID uint64
	Bytes     []byte
}

func (NetTracePcapngResult) Kind() Kind { return KindNetTracePcapng }

// NetTraceStatusResult is Net -> coordinator, response to status.
type NetTraceStatusResult struct {
	RequestID      uint64
	Enabled        bool
	Records        uint64
	Bytes          uint64
	DroppedRecords uint64
	DroppedBytes   uint64
}

func (NetTraceStatusResult) Kind() Kind { return KindNetTraceStatusResult }
