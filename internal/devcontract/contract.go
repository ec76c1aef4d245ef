// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package devcontract compiles the static, stable PCI device layout
// guest drivers bind against (spec.md §4.4), grounded on the teacher's
// virtio device modeling in virtcontainers/device/config and the BDF
// ("bus:device.function") addressing used for VFIO passthrough in
// virtcontainers/qemu.go.
package devcontract

import "fmt"

// BDF is a PCI bus:device.function address, e.g. "00:03.0".
type BDF string

// Format builds a BDF from its components.
func Format(bus, device, function uint8) BDF {
	return BDF(fmt.Sprintf("%02x:%02x.%x", bus, device, function))
}

// BAR describes one base address register slot in a device's header.
type BAR struct {
	Index    int
	SizeBits uint32
	Is64Bit  bool
	Prefetch bool
	IsIO     bool
}

// Capability is one entry in a device's PCI capability list. Modern
// virtio transport devices carry four of these at fixed structural
// offsets: common cfg, notify cfg, isr cfg, device cfg.
type Capability struct {
	Type   string
	Offset uint32
	Length uint32
	// BarIndex is the BAR this capability's structure lives in.
	BarIndex int
}

// Modern virtio transport capability type tags (spec.md §6).
const (
	CapCommonCfg = "common_cfg"
	CapNotifyCfg = "notify_cfg"
	CapISRCfg    = "isr_cfg"
	CapDeviceCfg = "device_cfg"
)

// Device is one immutable entry in a DeviceContract.
type Device struct {
	Name            string
	BDF             BDF
	VendorID        uint16
	DeviceID        uint16
	SubsystemID     uint16
	RevisionID      uint8
	ClassCode       uint32
	BARs            []BAR
	Capabilities    []Capability
	MultiFunction   bool
}

// DeviceContract is the ordered, immutable PCI layout for one VM
// instance's lifetime (spec.md §3, §4.4). GuestRAMSizeBytes travels
// alongside the device list rather than as a device of its own: it has
// no BDF or BAR, but like VRAMSizeBytes it is a binding-affecting field
// (vmconfig.Config groups it with the PCI-identity fields) that must
// still trip Diff/Equal, since a guest RAM resize requires the same
// full restart a PCI identity change does.
type DeviceContract struct {
	Devices           []Device
	GuestRAMSizeBytes uint64
}

// ByBDF returns the device at the given address, if any.
func (c DeviceContract) ByBDF(bdf BDF) (Device, bool) {
	for _, d := range c.Devices {
		if d.BDF == bdf {
			return d, true
		}
	}
	return Device{}, false
}

func modernCapabilities(barIndex int) []Capability {
	return []Capability{
		{Type: CapCommonCfg, Offset: 0x00, Length: 0x38, BarIndex: barIndex},
		{Type: CapNotifyCfg, Offset: 0x38, Length: 0x04, BarIndex: barIndex},
		{Type: CapISRCfg, Offset: 0x3c, Length: 0x04, BarIndex: barIndex},
		{Type: CapDeviceCfg, Offset: 0x40, Length: 0x40, BarIndex: barIndex},
	}
}
