// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package gpufence

// ForwardedSubmission is what gets sent to the GPU worker once a
// request id has been assigned.
type ForwardedSubmission struct {
	RequestID     uint64
	ContextID     uint64
	SignalFence   uint64
	CmdStream     []byte
	AllocTable    []byte
	HasAllocTable bool
}

// Forwarder posts a forwarded submission to the GPU worker.
// withTransferList is true on the first attempt (binary buffers
// included in a transfer list) and false on the fallback retry (same
// message, sent as a plain copy). Forward returns an error if posting
// itself failed (e.g. the GPU worker's transport rejected the message),
// not if the GPU later fails to process it.
type Forwarder interface {
	Forward(sub ForwardedSubmission, withTransferList bool) error
}

// CompleteFenceFunc posts a fence-complete to the CPU worker.
type CompleteFenceFunc func(fence uint64)

// Submit handles a CPU-originated submission (spec.md §4.3 "On CPU
// submit"). Callers must have already filtered submissions to CPU
// origin — Tracker has no notion of sender role, so "submissions from
// non-CPU workers are silently ignored" is enforced by the coordinator
// before this is ever called.
func (t *Tracker) Submit(sub Submission, fwd Forwarder, complete CompleteFenceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		t.enqueueLocked(sub, complete)
		return
	}
	t.forwardOrCompleteLocked(sub, fwd, complete)
}

// enqueueLocked appends sub to the pending FIFO, evicting and force-
// completing the oldest entries first if doing so would exceed cap.
func (t *Tracker) enqueueLocked(sub Submission, complete CompleteFenceFunc) {
	for len(t.pending) >= t.cap {
		dropped := t.pending[0]
		t.pending = t.pending[1:]
		t.droppedTotal++
		trackerLog.WithField("fence", dropped.SignalFence).Warn("dropping oldest pending GPU submission, queue at capacity")
		complete(dropped.SignalFence)
	}
	t.pending = append(t.pending, sub)
}

// forwardOrCompleteLocked assigns a request id and attempts to forward
// sub to the GPU, retrying without a transfer list on failure, and
// force-completing the fence if both attempts fail (spec.md "On forward
// failure").
func (t *Tracker) forwardOrCompleteLocked(sub Submission, fwd Forwarder, complete CompleteFenceFunc) {
	reqID := t.nextRequest
	t.nextRequest++

	forwarded := ForwardedSubmission{
		RequestID:     reqID,
		ContextID:     sub.ContextID,
		SignalFence:   sub.SignalFence,
		CmdStream:     sub.CmdStream,
		AllocTable:    sub.AllocTable,
		HasAllocTable: sub.HasAllocTable,
	}

	err := fwd.Forward(forwarded, true)
	if err != nil {
		trackerLog.WithError(err).Warn("forwarding GPU submission with transfer list failed, retrying by copy")
		err = fwd.Forward(forwarded, false)
	}
	if err != nil {
		trackerLog.WithError(err).Error("forwarding GPU submission failed even without transfer list, force-completing fence")
		complete(sub.SignalFence)
		return
	}

	t.inFlightOrder = append(t.inFlightOrder, reqID)
	t.inFlight[reqID] = sub.SignalFence
}

// DrainPending forwards every queued submission to the GPU in FIFO
// order (spec.md "On GPU ready"). Call this after SetReady(true).
func (t *Tracker) DrainPending(fwd Forwarder, complete CompleteFenceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.pending
	t.pending = nil
	for _, sub := range pending {
		t.forwardOrCompleteLocked(sub, fwd, complete)
	}
}

// Complete handles GPU submit_complete (spec.md §4.3). A stale or
// unknown requestID (post-restart survivor, or double-delivery) is
// silently discarded. The fence posted to CPU is the one this tracker
// recorded at forward time, not completedFence from the message — the
// latter is accepted only as a consistency check.
func (t *Tracker) Complete(requestID uint64, completedFence uint64, complete CompleteFenceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fence, ok := t.inFlight[requestID]
	if !ok {
		trackerLog.WithField("requestID", requestID).Debug("discarding submit_complete for unknown or stale request id")
		return
	}
	if fence != completedFence {
		trackerLog.WithFields(map[string]interface{}{
			"requestID": requestID, "recorded": fence, "reported": completedFence,
		}).Warn("GPU-reported completed fence does not match recorded signal fence")
	}
	t.removeInFlightLocked(requestID)
	complete(fence)
}

// TerminateGPU handles GPU worker death (spec.md §4.3 "On GPU worker
// termination"): every remaining in-flight fence is force-completed, in
// the order submissions were forwarded, followed by every pending
// submission's own recorded fence (pending entries were never given
// request ids). Both structures are empty afterward.
func (t *Tracker) TerminateGPU(complete CompleteFenceFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, reqID := range t.inFlightOrder {
		fence := t.inFlight[reqID]
		complete(fence)
	}
	t.inFlight = make(map[uint64]uint64)
	t.inFlightOrder = nil

	pending := t.pending
	t.pending = nil
	for _, sub := range pending {
		complete(sub.SignalFence)
	}

	t.ready = false
}

func (t *Tracker) removeInFlightLocked(requestID uint64) {
	delete(t.inFlight, requestID)
	for i, id := range t.inFlightOrder {
		if id == requestID {
			t.inFlightOrder = append(t.inFlightOrder[:i], t.inFlightOrder[i+1:]...)
			break
		}
	}
}
