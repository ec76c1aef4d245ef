// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package gpufence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeForwarder struct {
	forwardErr      error
	fallbackErr     error
	forwarded       []ForwardedSubmission
	sawNoTransferOn []uint64
}

func (f *fakeForwarder) Forward(sub ForwardedSubmission, withTransferList bool) error {
	if withTransferList {
		if f.forwardErr != nil {
			return f.forwardErr
		}
	} else {
		if f.fallbackErr != nil {
			return f.fallbackErr
		}
		f.sawNoTransferOn = append(f.sawNoTransferOn, sub.RequestID)
	}
	f.forwarded = append(f.forwarded, sub)
	return nil
}

func TestSubmitForwardsWhenReady(t *testing.T) {
	tr := NewTracker(10)
	tr.SetReady(true)
	fwd := &fakeForwarder{}

	var completed []uint64
	tr.Submit(Submission{SignalFence: 42}, fwd, func(fence uint64) { completed = append(completed, fence) })

	assert.Empty(t, completed)
	require.Len(t, fwd.forwarded, 1)
	assert.EqualValues(t, 42, fwd.forwarded[0].SignalFence)
	assert.Equal(t, 1, tr.InFlightLen())
}

// S1: mark GPU not ready, submit 300 items with signal_fence=1..300; the
// pending queue is capped below 300; the first K dropped items must
// produce fence-completes for fences 1..K, in order.
func TestS1FenceOnDrop(t *testing.T) {
	cap := 64
	tr := NewTracker(cap)
	fwd := &fakeForwarder{}

	var completed []uint64
	for fence := uint64(1); fence <= 300; fence++ {
		tr.Submit(Submission{SignalFence: fence}, fwd, func(f uint64) { completed = append(completed, f) })
	}

	droppedCount := 300 - cap
	require.Len(t, completed, droppedCount)
	for i, fence := range completed {
		assert.EqualValues(t, i+1, fence, "dropped fences must complete in order starting at 1")
	}
	assert.Equal(t, cap, tr.PendingLen())
	assert.EqualValues(t, droppedCount, tr.DroppedTotal())
}

// S2: with GPU ready, submit signal_fence=7, then terminate GPU without
// submit_complete; CPU must receive fence-complete with fence=7.
func TestS2FenceOnTermination(t *testing.T) {
	tr := NewTracker(10)
	tr.SetReady(true)
	fwd := &fakeForwarder{}

	var completed []uint64
	tr.Submit(Submission{SignalFence: 7}, fwd, func(f uint64) { completed = append(completed, f) })
	assert.Empty(t, completed)

	tr.TerminateGPU(func(f uint64) { completed = append(completed, f) })
	require.Len(t, completed, 1)
	assert.EqualValues(t, 7, completed[0])
	assert.Equal(t, 0, tr.InFlightLen())
	assert.Equal(t, 0, tr.PendingLen())
}

// S3: with GPU ready but the transfer-list attempt failing, submit
// signal_fence=42; the coordinator must retry without a transfer list;
// the final posted message has no premature fence-complete; upon the
// GPU's submit_complete, CPU observes fence-complete fence=42.
func TestS3PostFailureFallback(t *testing.T) {
	tr := NewTracker(10)
	tr.SetReady(true)
	fwd := &fakeForwarder{forwardErr: assertError("transfer list rejected")}

	var completed []uint64
	tr.Submit(Submission{SignalFence: 42}, fwd, func(f uint64) { completed = append(completed, f) })

	assert.Empty(t, completed, "no premature fence-complete before submit_complete arrives")
	require.Len(t, fwd.forwarded, 1)
	assert.Contains(t, fwd.sawNoTransferOn, fwd.forwarded[0].RequestID)

	tr.Complete(fwd.forwarded[0].RequestID, 42, func(f uint64) { completed = append(completed, f) })
	require.Len(t, completed, 1)
	assert.EqualValues(t, 42, completed[0])
}

func TestForwardFailureBothAttemptsForceCompletesWithoutInFlight(t *testing.T) {
	tr := NewTracker(10)
	tr.SetReady(true)
	fwd := &fakeForwarder{forwardErr: assertError("boom"), fallbackErr: assertError("boom again")}

	var completed []uint64
	tr.Submit(Submission{SignalFence: 99}, fwd, func(f uint64) { completed = append(completed, f) })

	require.Len(t, completed, 1)
	assert.EqualValues(t, 99, completed[0])
	assert.Equal(t, 0, tr.InFlightLen())
}

func TestDrainPendingOnGPUReadyForwardsInOrder(t *testing.T) {
	tr := NewTracker(10)
	fwd := &fakeForwarder{}

	tr.Submit(Submission{SignalFence: 1}, fwd, func(uint64) {})
	tr.Submit(Submission{SignalFence: 2}, fwd, func(uint64) {})
	tr.Submit(Submission{SignalFence: 3}, fwd, func(uint64) {})
	require.Equal(t, 3, tr.PendingLen())

	tr.SetReady(true)
	tr.DrainPending(fwd, func(uint64) {})

	require.Len(t, fwd.forwarded, 3)
	assert.EqualValues(t, 1, fwd.forwarded[0].SignalFence)
	assert.EqualValues(t, 2, fwd.forwarded[1].SignalFence)
	assert.EqualValues(t, 3, fwd.forwarded[2].SignalFence)
	assert.Equal(t, 0, tr.PendingLen())
	assert.Equal(t, 3, tr.InFlightLen())
}

func TestCompleteDiscardsStaleRequestID(t *testing.T) {
	tr := NewTracker(10)
	var completed []uint64
	tr.Complete(12345, 7, func(f uint64) { completed = append(completed, f) })
	assert.Empty(t, completed)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertError(msg string) error { return simpleErr(msg) }
