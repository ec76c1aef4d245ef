// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devcontract

import (
	"testing"

	"github.com/aerocore/vmcore/internal/vmconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() vmconfig.Config {
	return vmconfig.Config{
		VMRuntime:          vmconfig.RuntimeLegacy,
		NetTransportMode:   vmconfig.TransportModern,
		InputTransportMode: vmconfig.TransportModern,
		SoundTransportMode: vmconfig.TransportModern,
		VRAMSizeBytes:      256 * 1024 * 1024,
		GuestRAMSizeBytes:  2 * 1024 * 1024 * 1024,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	a := Build(cfg)
	b := Build(cfg)
	assert.True(t, Equal(a, b))
	assert.Equal(t, a, b)
}

func TestBuildMultiFunctionInputDevices(t *testing.T) {
	c := Build(baseConfig())
	kbd, ok := c.ByBDF(Format(0, slotInput, 0))
	require.True(t, ok)
	mouse, ok := c.ByBDF(Format(0, slotInput, 1))
	require.True(t, ok)

	assert.True(t, kbd.MultiFunction)
	assert.True(t, mouse.MultiFunction)
}

func TestBuildModernCapabilityChain(t *testing.T) {
	c := Build(baseConfig())
	net, ok := c.ByBDF(Format(0, slotNet, 0))
	require.True(t, ok)

	require.Len(t, net.Capabilities, 4)
	wantTypes := []string{CapCommonCfg, CapNotifyCfg, CapISRCfg, CapDeviceCfg}
	for i, cap := range net.Capabilities {
		assert.Equal(t, wantTypes[i], cap.Type)
	}
}

func TestDiffEmptyWhenConfigUnchanged(t *testing.T) {
	cfg := baseConfig()
	prev := Build(cfg)
	next := Build(cfg)
	assert.Empty(t, Diff(prev, next))
}

func TestDiffDetectsTransportModeChange(t *testing.T) {
	prev := Build(baseConfig())
	cfg := baseConfig()
	cfg.NetTransportMode = vmconfig.TransportLegacy
	next := Build(cfg)

	changes := Diff(prev, next)
	assert.Contains(t, changes, ChangePCIIdentity)
}

func TestDiffDetectsVRAMBARSizeChange(t *testing.T) {
	prev := Build(baseConfig())
	cfg := baseConfig()
	cfg.VRAMSizeBytes = 512 * 1024 * 1024
	next := Build(cfg)

	changes := Diff(prev, next)
	assert.Contains(t, changes, ChangeBARLayout)
}

func TestDiffDetectsGuestRAMSizeChange(t *testing.T) {
	prev := Build(baseConfig())
	cfg := baseConfig()
	cfg.GuestRAMSizeBytes = 4 * 1024 * 1024 * 1024
	next := Build(cfg)

	changes := Diff(prev, next)
	assert.Contains(t, changes, ChangeGuestRAMSize)
}

func TestDiffIgnoresNonBindingFields(t *testing.T) {
	cfg := baseConfig()
	prev := Build(cfg)

	// LogLevel isn't part of the contract at all; the contract is
	// insensitive to it by construction.
	cfg2 := baseConfig()
	cfg2.LogLevel = "debug"
	next := Build(cfg2)
	assert.True(t, Equal(prev, next))
}
