// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package shmem

import (
	"fmt"

	"github.com/aerocore/vmcore/internal/worker"
)

// RingKind names one of the SPSC shared rings whose single-consumer
// ownership the coordinator arbitrates.
type RingKind string

const (
	RingAudioOut RingKind = "audio-out"
	RingMicIn    RingKind = "mic-in"
)

// OwnerTransition is the pair of postMessage-shaped actions the
// coordinator must perform, in order, to move a ring's ownership from
// one worker role to another: detach the previous owner, then attach
// the new one. Either side may be the zero Role, meaning "no owner."
type OwnerTransition struct {
	Detach worker.Role // zero value: nothing to detach
	Attach worker.Role // zero value: nothing to attach
}

// HasDetach/HasAttach report whether the corresponding half of the
// transition is a real message, as opposed to a no-op placeholder.
func (t OwnerTransition) HasDetach() bool { return t.Detach != "" }
func (t OwnerTransition) HasAttach() bool { return t.Attach != "" }

// ErrBothOwners is returned when an attempt is made to set a ring's
// owner to "both" CPU and IO — a programmer error per spec.md §3
// RingOwnership, which always throws rather than degrading gracefully.
var ErrBothOwners = fmt.Errorf("shmem: cannot own an SPSC ring with both CPU and IO simultaneously")

// OwnerSelector is the requested owner of an SPSC ring: a single role,
// no owner at all, or the illegal "both" value that SetOwner always
// rejects. It exists (rather than just accepting a worker.Role) so that
// "both" is representable and therefore rejectable, matching source
// behavior where the caller can ask for an invalid owner and must be
// refused rather than silently corrected.
type OwnerSelector struct {
	role worker.Role
	both bool
}

// NoOwner selects "unowned."
func NoOwner() OwnerSelector { return OwnerSelector{} }

// OwnedBy selects a single role as owner.
func OwnedBy(r worker.Role) OwnerSelector { return OwnerSelector{role: r} }

// Both selects the illegal "both CPU and IO" owner; SetOwner rejects it.
func Both() OwnerSelector { return OwnerSelector{both: true} }

// OwnerRegistry tracks the current single owner of each SPSC ring kind
// and computes the detach-before-attach transition needed to change it.
// It holds no buffers and posts no messages itself: the coordinator
// uses the computed OwnerTransition to drive its own worker handles,
// because only the coordinator may reorder or merge that traffic.
type OwnerRegistry struct {
	owners map[RingKind]worker.Role
}

// NewOwnerRegistry returns a registry with no ring owned by anyone.
func NewOwnerRegistry() *OwnerRegistry {
	return &OwnerRegistry{owners: make(map[RingKind]worker.Role)}
}

// Owner returns the current owner of kind, or the zero Role if
// unowned.
func (o *OwnerRegistry) Owner(kind RingKind) worker.Role {
	return o.owners[kind]
}

// SetOwner validates and records a request to move kind's ownership to
// next, returning the transition the coordinator must execute to
// realize it. Requesting Both always fails with ErrBothOwners and
// leaves the registry unchanged.
func (o *OwnerRegistry) SetOwner(kind RingKind, next OwnerSelector) (OwnerTransition, error) {
	if next.both {
		return OwnerTransition{}, ErrBothOwners
	}

	prev := o.owners[kind]
	if next.role == "" {
		delete(o.owners, kind)
	} else {
		o.owners[kind] = next.role
	}
	if prev == next.role {
		return OwnerTransition{}, nil
	}
	return OwnerTransition{Detach: prev, Attach: next.role}, nil
}
