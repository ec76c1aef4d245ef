// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramebufferPublishFlipsActiveSlotAfterWrite(t *testing.T) {
	h := NewFramebufferHeader(1920, 1080, 1920*4)
	assert.EqualValues(t, 0, h.ActiveSlot())

	inactive := h.InactiveSlot()
	assert.EqualValues(t, 1, inactive)

	h.Publish(inactive)
	assert.EqualValues(t, 1, h.ActiveSlot())
	assert.EqualValues(t, 1, h.FrameSeq())
	assert.True(t, h.Dirty())
	assert.EqualValues(t, 1, h.SlotFrameSeq(1))
}

func TestFramebufferActiveSlotAlwaysInRange(t *testing.T) {
	h := NewFramebufferHeader(640, 480, 640*4)
	for i := 0; i < 10; i++ {
		next := h.InactiveSlot()
		h.Publish(next)
		slot := h.ActiveSlot()
		if slot != 0 && slot != 1 {
			t.Fatalf("active_slot out of range: %d", slot)
		}
	}
}

func TestFramebufferObserveDirtyOnlyClearsForProcessedFrame(t *testing.T) {
	h := NewFramebufferHeader(64, 64, 64*4)
	h.Publish(h.InactiveSlot())
	require.True(t, h.Dirty())

	// A consumer that observed a stale frame_seq must not clear dirty
	// for a frame that has since been republished.
	h.Publish(h.InactiveSlot())
	h.ObserveDirty(1)
	assert.True(t, h.Dirty(), "stale ObserveDirty must not clear a newer frame's dirty flag")

	h.ObserveDirty(h.FrameSeq())
	assert.False(t, h.Dirty())
}

func TestDirtyTilesDisabledMeansFullFrame(t *testing.T) {
	d := DirtyTiles{Enabled: false}
	tiles := d.EffectiveTiles(16)
	assert.Len(t, tiles, 16)
}

func TestDirtyTilesEnabledButEmptyMeansFullFrameNotNoChange(t *testing.T) {
	d := DirtyTiles{Enabled: true, Bits: []uint64{0}}
	tiles := d.EffectiveTiles(16)
	assert.Len(t, tiles, 16, "an empty dirty set must be treated as full-frame dirty, not as no change")
}

func TestDirtyTilesEnabledWithBitsReturnsOnlySetTiles(t *testing.T) {
	d := DirtyTiles{Enabled: true, Bits: []uint64{0b101}}
	tiles := d.EffectiveTiles(8)
	assert.Equal(t, []int{0, 2}, tiles)
}
