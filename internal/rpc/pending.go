// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rpc implements the request/response bookkeeping spec.md §3
// calls PendingRpc: a per-role map of request_id to a responder,
// uniformly rejected on worker termination. The source's promise-like
// async flows become explicit oneshot futures here (spec.md §9 design
// note), one per in-flight request.
package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrWorkerRestarted is a generic rejection reason for pending RPCs
// against a worker that terminates (spec.md §7). Callers pass their own
// error to RejectAll; nettrace uses its own "net worker restarted" error.
var ErrWorkerRestarted = errors.New("worker restarted")

// Future is a one-shot result slot resolved or rejected exactly once.
type Future[T any] struct {
	ch chan result[T]
}

type result[T any] struct {
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan result[T], 1)}
}

// Wait blocks until the future is resolved, rejected, or ctx expires.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Registry tracks pending requests for a single worker role, keyed by
// request id, exactly as spec.md §3 describes: "one map per worker
// role; cleared on worker termination with a uniform rejection."
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[uint64]*Future[T]
}

// NewRegistry returns an empty pending-request registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[uint64]*Future[T])}
}

// Add registers a new pending request under requestID and returns its
// Future. Callers call Add before posting the corresponding request
// message, so a response that arrives right after the post always finds
// its entry; a response for an id not yet added is dropped by Resolve.
func (r *Registry[T]) Add(requestID uint64) *Future[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := newFuture[T]()
	r.pending[requestID] = f
	return f
}

// Resolve completes the pending request under requestID with value, if
// it is still pending. A requestID with no pending entry (stale,
// duplicate, or already-cancelled) is silently ignored.
func (r *Registry[T]) Resolve(requestID uint64, value T) {
	r.mu.Lock()
	f, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if ok {
		f.ch <- result[T]{value: value}
	}
}

// RejectOne rejects a single pending request under requestID with err,
// if it is still pending, without disturbing any other request. Used
// when posting a specific request's message synchronously fails.
func (r *Registry[T]) RejectOne(requestID uint64, err error) {
	r.mu.Lock()
	f, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.mu.Unlock()
	if ok {
		f.ch <- result[T]{err: err}
	}
}

// RejectAll rejects every currently pending request with err and clears
// the registry; used uniformly on worker termination.
func (r *Registry[T]) RejectAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Future[T])
	r.mu.Unlock()

	for _, f := range pending {
		f.ch <- result[T]{err: err}
	}
}

// Len reports the number of currently pending requests.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
