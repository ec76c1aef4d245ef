// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package shmem models the shared-memory substrate the coordinator
// routes ownership of but never writes payloads into itself: a
// double-buffered framebuffer and the MPSC/SPSC ring transport used for
// control commands, events, and the audio/microphone paths.
package shmem

import "sync/atomic"

// FramebufferMagic identifies a valid header; a producer writing a
// fresh region stamps this before anything else touches it.
const FramebufferMagic uint32 = 0xAE20_FB01

// FramebufferHeader is the atomically-published state a producer (CPU
// or GPU, depending on scanout source) and a consumer (the presenter)
// agree on out-of-band from the pixel data itself. Every field that can
// be read concurrently with a write is backed by an atomic value; there
// is deliberately no lock, matching §5's "no blocking waits on shared
// memory" rule for the framebuffer path.
type FramebufferHeader struct {
	Magic  uint32
	Width  uint32
	Height uint32
	Stride uint32

	activeSlot    atomic.Uint32
	frameSeq      atomic.Uint64
	slotFrameSeq  [2]atomic.Uint64
	frameDirty    atomic.Bool
}

// NewFramebufferHeader constructs a header for a region of the given
// dimensions, with slot 0 active and no frame published yet.
func NewFramebufferHeader(width, height, stride uint32) *FramebufferHeader {
	h := &FramebufferHeader{
		Magic:  FramebufferMagic,
		Width:  width,
		Height: height,
		Stride: stride,
	}
	return h
}

// ActiveSlot returns the currently published slot index, 0 or 1.
func (h *FramebufferHeader) ActiveSlot() uint32 {
	return h.activeSlot.Load()
}

// FrameSeq returns the monotonic sequence number of the most recently
// published frame.
func (h *FramebufferHeader) FrameSeq() uint64 {
	return h.frameSeq.Load()
}

// SlotFrameSeq returns the frame sequence stamped into a specific slot.
func (h *FramebufferHeader) SlotFrameSeq(slot uint32) uint64 {
	return h.slotFrameSeq[slot&1].Load()
}

// Dirty reports whether the consumer has not yet observed the current
// frame.
func (h *FramebufferHeader) Dirty() bool {
	return h.frameDirty.Load()
}

// InactiveSlot returns the slot index the producer should write into
// next: the complement of the currently active slot.
func (h *FramebufferHeader) InactiveSlot() uint32 {
	return h.activeSlot.Load() ^ 1
}

// Publish is called by the producer after it has fully written the
// inactive slot. It bumps the global frame sequence, stamps that slot
// with the new sequence, marks the frame dirty, and only then flips
// active_slot — so a consumer that reads active_slot atomically never
// observes a slot whose write is still in progress.
func (h *FramebufferHeader) Publish(writtenSlot uint32) {
	seq := h.frameSeq.Add(1)
	h.slotFrameSeq[writtenSlot&1].Store(seq)
	h.frameDirty.Store(true)
	h.activeSlot.Store(writtenSlot & 1)
}

// ObserveDirty is called by the consumer once it has processed the
// currently active frame. It clears frame_dirty only if frameSeq still
// matches the frame the consumer actually processed, so a publish that
// raced the read is not lost.
func (h *FramebufferHeader) ObserveDirty(processedFrameSeq uint64) {
	if h.frameSeq.Load() == processedFrameSeq {
		h.frameDirty.Store(false)
	}
}

// ScanoutSource names which worker drives the framebuffer's active
// slot: the CPU doing software rendering, or the GPU driving
// accelerated scanout (spec.md §4.2's "Producer (CPU or GPU depending
// on scanout source)"). ScanoutLegacy is the documented default a
// coordinator reset() returns to (spec.md §4.1).
type ScanoutSource string

const (
	ScanoutLegacy ScanoutSource = "legacy"
	ScanoutGPU    ScanoutSource = "gpu"
)

// DirtyTiles tracks a per-frame dirty-tile bitmap alongside the header.
// Per spec.md §4.2: if dirty-tile tracking is enabled but no bits are
// set for a published frame, that frame is full-frame dirty, never
// "nothing changed" — an empty set and a null set are distinct states,
// modeled here as Enabled=false vs. Enabled=true with zero bits.
type DirtyTiles struct {
	Enabled bool
	Bits    []uint64
}

// EffectiveTiles returns the tile indices a consumer must redraw for a
// published frame with this dirty-tile bitmap. When tracking is
// disabled, or enabled with every bit clear, the whole frame (all
// tileCount tiles) is dirty.
func (d DirtyTiles) EffectiveTiles(tileCount int) []int {
	if !d.Enabled {
		return allTiles(tileCount)
	}
	anySet := false
	out := make([]int, 0, tileCount)
	for i := 0; i < tileCount; i++ {
		word, bit := i/64, uint(i%64)
		if word < len(d.Bits) && d.Bits[word]&(1<<bit) != 0 {
			anySet = true
			out = append(out, i)
		}
	}
	if !anySet {
		return allTiles(tileCount)
	}
	return out
}

func allTiles(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
