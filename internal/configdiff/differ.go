// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package configdiff decides the minimum-impact action for a config
// transition (spec.md §4.7), and provides the config-file ingress layer
// that normalizes untrusted input into a plain vmconfig.Config before
// any diffing happens.
package configdiff

import (
	"reflect"

	"github.com/aerocore/vmcore/internal/devcontract"
	"github.com/aerocore/vmcore/internal/vmconfig"
)

// Action is the minimum-impact response to a config transition.
type Action int

const (
	// ActionNone means the two configs are identical; nothing to do.
	ActionNone Action = iota
	// ActionMutateInPlace means only non-binding fields changed; apply
	// them without touching any worker or shared-memory attachment.
	ActionMutateInPlace
	// ActionRingReevaluation means the boot disk set changed in a way
	// that affects VM-mode ring routing; re-derive ring ownership but
	// do not necessarily restart.
	ActionRingReevaluation
	// ActionFullRestart means a binding-visible or runtime-mode field
	// changed; the coordinator must tear down and restart the whole VM.
	ActionFullRestart
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionMutateInPlace:
		return "mutate_in_place"
	case ActionRingReevaluation:
		return "ring_reevaluation"
	case ActionFullRestart:
		return "full_restart"
	default:
		return "unknown"
	}
}

// Decision is the result of Decide: the action to take and why.
type Decision struct {
	Action Action
	Reason string
}

// Decide classifies the transition from prev to next, applying spec.md
// §4.7's rules in order; the first matching rule wins.
func Decide(prev, next vmconfig.Config) Decision {
	prevRuntime := prev.EffectiveVMRuntime()
	nextRuntime := next.EffectiveVMRuntime()

	// Rule 5 first: an absent->default explicit transition on the raw
	// field is not restart-worthy by itself, so we compare effective
	// values (post-default-substitution) rather than raw VMRuntime
	// strings for rule 1.
	if prevRuntime != nextRuntime {
		return Decision{Action: ActionFullRestart, Reason: "vmRuntime changed"}
	}

	if contractChanged(prev, next) {
		return Decision{Action: ActionFullRestart, Reason: "device contract changed"}
	}

	if bootDiskSetChanged(prev, next) {
		return Decision{Action: ActionRingReevaluation, Reason: "boot disk set changed"}
	}

	if nonBindingFieldsChanged(prev, next) {
		return Decision{Action: ActionMutateInPlace, Reason: "only non-binding fields changed"}
	}

	return Decision{Action: ActionNone, Reason: "no change"}
}

// contractChanged derives each config's device contract the same way
// the coordinator does (spec.md §2 data flow: Device Contract Registry
// → Config Differ) and defers to devcontract.Diff rather than
// re-listing which Config fields affect PCI identity here, so the two
// packages can't silently drift apart.
func contractChanged(prev, next vmconfig.Config) bool {
	return !devcontract.Equal(devcontract.Build(prev), devcontract.Build(next))
}

// bootDiskSetChanged reports whether the disk mount set changed in a way
// that affects VM mode: the ordered boot disk list (path and read-only
// flag of each entry), or the presence of an HDD/CD, differs. activeDiskImage is deliberately excluded — per
// spec.md §9 it is a deprecated field the coordinator always ignores.
func bootDiskSetChanged(prev, next vmconfig.Config) bool {
	if !equalDiskMounts(prev.BootDisks, next.BootDisks) {
		return true
	}
	if diskPresence(prev.HDD) != diskPresence(next.HDD) {
		return true
	}
	if diskPresence(prev.CD) != diskPresence(next.CD) {
		return true
	}
	return false
}

func diskPresence(d *vmconfig.DiskMount) bool {
	return d != nil
}

func equalDiskMounts(a, b []vmconfig.DiskMount) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nonBindingFieldsChanged(prev, next vmconfig.Config) bool {
	if prev.LogLevel != next.LogLevel {
		return true
	}
	if prev.ProxyURL != next.ProxyURL {
		return true
	}
	if !reflect.DeepEqual(prev.FeatureToggles, next.FeatureToggles) {
		return true
	}
	return false
}
