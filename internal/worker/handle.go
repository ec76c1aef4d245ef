// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package worker

import (
	"context"
	"sync"
)

// Envelope tags a posted message with the role and instance id of the
// worker that produced it, generic over the concrete message type so
// this package never needs to import the message definitions.
type Envelope[M any] struct {
	Role       Role
	InstanceID uint64
	Msg        M
}

// Entrypoint is the function a worker instance runs. It is handed an
// inbox of messages the coordinator posts to it and a post function to
// send messages back to the coordinator; it must return when ctx is
// cancelled. Real CPU/GPU/IO/Net behavior (WASM execution, presenting
// frames, decoding audio, proxying sockets) lives entirely outside this
// repository; entrypoints here are no-op defaults and test doubles,
// exactly as the teacher's noop_agent.go and mock_hypervisor.go stand in
// for an external agent/hypervisor.
type Entrypoint[M any] func(ctx context.Context, inbox <-chan M, post func(M))

// Handle is the coordinator's exclusive view of one spawned worker
// instance: a role, a monotonic instance id, and the two channels that
// connect it to the entrypoint goroutine.
type Handle[M any] struct {
	Role       Role
	InstanceID uint64

	mu      sync.Mutex
	inbox   chan M
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Spawn starts entry in a new goroutine bound to instanceID, wiring its
// outbound messages into fromWorker tagged with an Envelope. The
// returned Handle is immediately usable; the worker is not yet "ready"
// until it posts its own ReadyMessage up through fromWorker.
func Spawn[M any](ctx context.Context, role Role, instanceID uint64, entry Entrypoint[M], fromWorker chan<- Envelope[M]) *Handle[M] {
	workerCtx, cancel := context.WithCancel(ctx)
	h := &Handle[M]{
		Role:       role,
		InstanceID: instanceID,
		inbox:      make(chan M, 64),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	post := func(msg M) {
		select {
		case fromWorker <- Envelope[M]{Role: role, InstanceID: instanceID, Msg: msg}:
		case <-workerCtx.Done():
		}
	}

	go func() {
		defer close(h.done)
		entry(workerCtx, h.inbox, post)
	}()

	return h
}

// Send delivers msg to the worker's inbox in posted order. When the
// inbox's buffer is full it blocks until the worker takes a message or
// its goroutine exits; after Stop it drops msg without blocking.
func (h *Handle[M]) Send(msg M) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}
	select {
	case h.inbox <- msg:
	case <-h.done:
	}
}

// Stop requests the worker to terminate and waits for its goroutine to
// exit or for ctx to expire, whichever comes first.
func (h *Handle[M]) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports when the worker goroutine has exited.
func (h *Handle[M]) Done() <-chan struct{} {
	return h.done
}
