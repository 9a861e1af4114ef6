// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"github.com/pkg/errors"
)

// int15StubBytes is the 14-byte real-mode trap stub installed at the
// loader-provided INT 15h handler vector slot (spec.md §6: "The
// synthetic INT 15h stub (14 bytes at a loader-provided vector slot)").
// It traps to the core with a VMCALL, then IRETs; the core never
// actually executes these bytes itself (hence a fixed, checked-in
// array rather than a real assembler) -- they exist so that
// InstalledStub.linear can report exactly where in guest
// memory the stub lives, for InstalledStub.MatchesLinearAddress to
// recognize a vmcall as originating from it.
var int15StubBytes = [14]byte{
	0x0F, 0x01, 0xC1, // vmcall
	0xCF,                   // iret
	0x90, 0x90, 0x90, 0x90, // padding to the fixed 14-byte slot
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

// StubBytes returns a copy of the fixed INT 15h trap stub, for the
// bootstrap layer to write into the loader-provided vector slot.
func StubBytes() [14]byte { return int15StubBytes }

// InstalledStub records where the INT 15h stub was written in real-mode
// segment:offset terms, implementing internal/e820.StubMatcher. It is
// kept in internal/glue, not internal/e820, so e820 never needs to know
// the stub's installation address or byte layout -- only whether a
// given vmcall's CS:IP is "the" stub, mirroring the decoupling already
// used between internal/fvs/internal/ve and internal/ept.
type InstalledStub struct {
	CS, IP uint16
}

// InstallAt records where the stub was placed. slotLinear is
// the 20-bit real-mode linear address (segment<<4+offset) the loader
// reserved for the INT15 handler (spec.md §6: "INT15 handler slot
// address"); InstallAt derives a canonical CS:IP pair from it.
func InstallAt(slotLinear uint32) (InstalledStub, error) {
	if slotLinear > 0xFFFFF {
		return InstalledStub{}, errors.Errorf("glue: INT15 handler slot %#x exceeds the 20-bit real-mode address space", slotLinear)
	}
	// Canonical decomposition: segment = linear>>4 truncated to 16 bits,
	// offset = the low nibble of the linear address. This is the
	// well-defined form of an otherwise many-to-one seg:off mapping,
	// chosen so MatchesLinearAddress's recomputation is exact (spec.md's
	// Open Question on this arithmetic, resolved in DESIGN.md).
	seg := uint16(slotLinear >> 4)
	off := uint16(slotLinear & 0xF)
	return InstalledStub{CS: seg, IP: off}, nil
}

// MatchesLinearAddress reports whether cs:ip recomputes to the same
// 20-bit real-mode linear address this stub was installed at
// (internal/e820.StubMatcher). A vmcall from any other code location
// is not this stub's and must be passed through, not serviced.
func (s InstalledStub) MatchesLinearAddress(cs, ip uint16) bool {
	return s.linear() == realModeLinear(cs, ip)
}

func (s InstalledStub) linear() uint32 {
	return realModeLinear(s.CS, s.IP)
}

// realModeLinear duplicates internal/e820's identical unexported
// helper rather than importing the package for one formula: glue
// satisfies internal/e820.StubMatcher structurally and has no other
// reason to depend on e820 (spec.md §4.6 Open Question on this
// arithmetic, resolved in DESIGN.md).
func realModeLinear(seg, off uint16) uint32 {
	return (uint32(seg)<<4 + uint32(off)) & 0xFFFFF
}
