// Copyright (c) 2024 Aerocore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package configdiff

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/aerocore/vmcore/internal/vmconfig"
)

// fileConfig is the on-disk shape decoded by LoadFile; it mirrors
// vmconfig.Config's field names in lowercase/underscore form, the way
// the teacher's pkg/katautils TOML config sections are laid out.
type fileConfig struct {
	VMRuntime          string            `toml:"vm_runtime"`
	NetTransportMode   string            `toml:"net_transport_mode"`
	InputTransportMode string            `toml:"input_transport_mode"`
	SoundTransportMode string            `toml:"sound_transport_mode"`
	VRAMSizeBytes      uint64            `toml:"vram_size_bytes"`
	GuestRAMSizeBytes  uint64            `toml:"guest_ram_size_bytes"`
	LogLevel           string            `toml:"log_level"`
	ProxyURL           string            `toml:"proxy_url"`
	FeatureToggles     map[string]bool   `toml:"feature_toggles"`
}

// LoadFile decodes a baseline VM config from a TOML file at path. It
// never touches disk mounts or activeDiskImage; those are supplied
// programmatically via Coordinator.SetBootDisks, matching the split in
// spec.md §4.1 between start(config) and setBootDisks(...).
func LoadFile(path string) (vmconfig.Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return vmconfig.Config{}, errors.Wrapf(err, "decoding config file %q", path)
	}
	return Normalize(fc), nil
}

// Normalize converts a decoded file config into the plain vmconfig.Config
// record used everywhere else, reading only the fields fileConfig
// declares. This is the "own-property access only" ingress point
// spec.md §9 calls for: every field is copied explicitly, so nothing a
// hostile or malformed document might smuggle in via an inherited or
// unexpected key ever reaches the differ.
func Normalize(fc fileConfig) vmconfig.Config {
	toggles := make(map[string]bool, len(fc.FeatureToggles))
	for k, v := range fc.FeatureToggles {
		toggles[k] = v
	}
	return vmconfig.Config{
		VMRuntime:          vmconfig.VMRuntime(fc.VMRuntime),
		NetTransportMode:   vmconfig.TransportMode(fc.NetTransportMode),
		InputTransportMode: vmconfig.TransportMode(fc.InputTransportMode),
		SoundTransportMode: vmconfig.TransportMode(fc.SoundTransportMode),
		VRAMSizeBytes:      fc.VRAMSizeBytes,
		GuestRAMSizeBytes:  fc.GuestRAMSizeBytes,
		LogLevel:           fc.LogLevel,
		ProxyURL:           fc.ProxyURL,
		FeatureToggles:     toggles,
	}
}
