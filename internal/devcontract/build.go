// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devcontract

import "github.com/aerocore/vmcore/internal/vmconfig"

// Well-known slot numbers. Bus 0 throughout; these are fixed for the
// lifetime of the contract format, not per-VM.
const (
	slotNet    = 3
	slotBlock  = 4
	slotInput  = 5 // keyboard (function 0) and mouse (function 1), multi-function
	slotSound  = 6
	slotGPU    = 7
)

const aerocoreVendorID uint16 = 0x1AF4 // virtio vendor id, matching the teacher's virtio device modeling

// Build compiles the full device list for cfg. The result is
// deterministic: the same Config always yields a byte-for-byte equal
// DeviceContract (modulo Go struct identity), which is what makes
// diff(prev, next) meaningful.
func Build(cfg vmconfig.Config) DeviceContract {
	var devices []Device

	devices = append(devices, networkDevice(cfg.NetTransportMode))
	devices = append(devices, blockDevice(cfg))
	devices = append(devices, inputDevices(cfg.InputTransportMode)...)
	devices = append(devices, soundDevice(cfg.SoundTransportMode))
	devices = append(devices, gpuDevice(cfg.VRAMSizeBytes))

	return DeviceContract{Devices: devices, GuestRAMSizeBytes: cfg.GuestRAMSizeBytes}
}

func networkDevice(mode vmconfig.TransportMode) Device {
	bar := BAR{Index: 4, SizeBits: barSizeBitsForTransport(mode), Is64Bit: true}
	return Device{
		Name:         "virtio-net",
		BDF:          Format(0, slotNet, 0),
		VendorID:     aerocoreVendorID,
		DeviceID:     deviceIDForTransport(0x1000, mode),
		SubsystemID:  0x0001,
		RevisionID:   revisionForTransport(mode),
		ClassCode:    0x020000, // network controller, ethernet
		BARs:         []BAR{bar},
		Capabilities: modernCapabilities(bar.Index),
	}
}

func blockDevice(cfg vmconfig.Config) Device {
	bar := BAR{Index: 4, SizeBits: 14, Is64Bit: true}
	return Device{
		Name:         "virtio-blk",
		BDF:          Format(0, slotBlock, 0),
		VendorID:     aerocoreVendorID,
		DeviceID:     0x1001,
		SubsystemID:  0x0002,
		RevisionID:   1,
		ClassCode:    0x010000, // mass storage controller, SCSI
		BARs:         []BAR{bar},
		Capabilities: modernCapabilities(bar.Index),
	}
}

// inputDevices returns keyboard (function 0) and mouse (function 1) on
// the same slot, both with the multi-function header bit set per
// spec.md §4.4, with transport mode affecting their PCI identity the
// same way it does for the net and sound devices.
func inputDevices(mode vmconfig.TransportMode) []Device {
	kbdBar := BAR{Index: 4, SizeBits: barSizeBitsForTransport(mode), Is64Bit: true}
	mouseBar := BAR{Index: 4, SizeBits: barSizeBitsForTransport(mode), Is64Bit: true}
	deviceID := deviceIDForTransport(0x1002, mode)
	revision := revisionForTransport(mode)
	return []Device{
		{
			Name:          "virtio-input-keyboard",
			BDF:           Format(0, slotInput, 0),
			VendorID:      aerocoreVendorID,
			DeviceID:      deviceID,
			SubsystemID:   0x0003,
			RevisionID:    revision,
			ClassCode:     0x098000, // input controller, other
			BARs:          []BAR{kbdBar},
			Capabilities:  modernCapabilities(kbdBar.Index),
			MultiFunction: true,
		},
		{
			Name:          "virtio-input-mouse",
			BDF:           Format(0, slotInput, 1),
			VendorID:      aerocoreVendorID,
			DeviceID:      deviceID,
			SubsystemID:   0x0004,
			RevisionID:    revision,
			ClassCode:     0x098000,
			BARs:          []BAR{mouseBar},
			Capabilities:  modernCapabilities(mouseBar.Index),
			MultiFunction: true,
		},
	}
}

func soundDevice(mode vmconfig.TransportMode) Device {
	bar := BAR{Index: 4, SizeBits: 12, Is64Bit: true}
	return Device{
		Name:         "virtio-sound",
		BDF:          Format(0, slotSound, 0),
		VendorID:     aerocoreVendorID,
		DeviceID:     deviceIDForTransport(0x1003, mode),
		SubsystemID:  0x0005,
		RevisionID:   revisionForTransport(mode),
		ClassCode:    0x040100, // multimedia controller, audio
		BARs:         []BAR{bar},
		Capabilities: modernCapabilities(bar.Index),
	}
}

func gpuDevice(vramSizeBytes uint64) Device {
	bar0 := BAR{Index: 0, SizeBits: vramSizeBits(vramSizeBytes), Is64Bit: true, Prefetch: true}
	bar4 := BAR{Index: 4, SizeBits: 16, Is64Bit: true}
	return Device{
		Name:         "aerogpu",
		BDF:          Format(0, slotGPU, 0),
		VendorID:     aerocoreVendorID,
		DeviceID:     0x1050,
		SubsystemID:  0x0006,
		RevisionID:   1,
		ClassCode:    0x030000, // display controller, VGA compatible
		BARs:         []BAR{bar0, bar4},
		Capabilities: modernCapabilities(bar4.Index),
	}
}

func deviceIDForTransport(base uint16, mode vmconfig.TransportMode) uint16 {
	if mode == vmconfig.TransportLegacy {
		// Legacy transport uses the pre-virtio-1.0 device id range.
		return base - 0x0f00
	}
	return base
}

func revisionForTransport(mode vmconfig.TransportMode) uint8 {
	if mode == vmconfig.TransportLegacy {
		return 0
	}
	return 1
}

func barSizeBitsForTransport(mode vmconfig.TransportMode) uint32 {
	if mode == vmconfig.TransportLegacy {
		return 8
	}
	return 12
}

func vramSizeBits(vramSizeBytes uint64) uint32 {
	bits := uint32(0)
	for (uint64(1) << bits) < vramSizeBytes {
		bits++
	}
	if bits < 20 {
		bits = 20
	}
	return bits
}
