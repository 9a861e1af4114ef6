// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"os"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/guest"
)

// policyOverlay is the optional host-side TOML file layout for the
// subset of policy not baked into the startup struct: debug verbosity
// overrides and feature toggles, mirroring kata's HypervisorConfig
// TOML fields (SPEC_FULL.md §2 AMBIENT STACK Configuration).
type policyOverlay struct {
	DebugVerbosity  *int    `toml:"debug_verbosity"`
	EnableFVS       *bool   `toml:"enable_fvs"`
	EnableSoftVE    *bool   `toml:"enable_soft_ve"`
	SuperPageSizes  []string `toml:"super_page_sizes"`
	GuestMemorySize string  `toml:"guest_memory_size"` // parsed with units.RAMInBytes
}

// LoadPolicyOverlay reads an optional TOML file at path and applies it
// on top of base, returning the merged snapshot. A missing file is not
// an error: base is returned unchanged, the way kata's config loader
// tolerates an absent configuration.toml and falls back to built-in
// defaults.
func LoadPolicyOverlay(path string, base guest.Policy) (guest.Policy, uint64, error) {
	if path == "" {
		return base, 0, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		glueLogger.WithField("path", path).Debug("no policy overlay file present, using defaults")
		return base, 0, nil
	}

	var overlay policyOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return guest.Policy{}, 0, errors.Wrapf(err, "glue: decoding policy overlay %s", path)
	}

	merged := base
	if overlay.DebugVerbosity != nil {
		merged.DebugVerbosity = *overlay.DebugVerbosity
	}
	if overlay.EnableFVS != nil {
		merged.EnableFVS = *overlay.EnableFVS
	}
	if overlay.EnableSoftVE != nil {
		merged.EnableSoftVE = *overlay.EnableSoftVE
	}
	if len(overlay.SuperPageSizes) > 0 {
		levels, err := superPageLevelsFromSizes(overlay.SuperPageSizes)
		if err != nil {
			return guest.Policy{}, 0, err
		}
		merged.SuperPageLevels = levels
	}

	var memSize uint64
	if overlay.GuestMemorySize != "" {
		n, err := units.RAMInBytes(overlay.GuestMemorySize)
		if err != nil {
			return guest.Policy{}, 0, errors.Wrapf(err, "glue: parsing guest_memory_size %q", overlay.GuestMemorySize)
		}
		memSize = uint64(n)
	}

	glueLogger.WithFields(logrus.Fields{
		"debug_verbosity":   merged.DebugVerbosity,
		"enable_fvs":        merged.EnableFVS,
		"enable_soft_ve":    merged.EnableSoftVE,
		"guest_memory_size": units.BytesSize(float64(memSize)),
	}).Info("policy overlay applied")

	return merged, memSize, nil
}

// superPageLevelsFromSizes maps human byte sizes ("2MB", "1GB") from
// the overlay onto MAM tree levels (2 = 2 MiB, 3 = 1 GiB), the same
// levels internal/vmcs.Capabilities.EPTSuperPages reports support for.
func superPageLevelsFromSizes(sizes []string) ([]int, error) {
	levels := make([]int, 0, len(sizes))
	for _, s := range sizes {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return nil, errors.Wrapf(err, "glue: parsing super_page_sizes entry %q", s)
		}
		switch n {
		case 2 * 1024 * 1024:
			levels = append(levels, 2)
		case 1024 * 1024 * 1024:
			levels = append(levels, 3)
		default:
			return nil, errors.Errorf("glue: unsupported super page size %q", s)
		}
	}
	return levels, nil
}
