// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gcpu

// ShadowedControlRegister models a VMCS CR0/CR4 guest/host mask +
// read shadow pair (spec.md §4.5): bits set in Mask are hidden from
// the guest's view (CR0/CR4-reads return the Shadow bit instead of
// the real value) while the real register, written by the VMM, may
// differ — used to hide PAE/SMXE from the guest.
type ShadowedControlRegister struct {
	Mask   uint64 // which bits are intercepted/hidden
	Shadow uint64 // the value the guest sees for masked bits
	Real   uint64 // the value actually loaded into the VMCS guest-state field
}

// GuestVisibleValue computes what a guest CR0/CR4 read would observe:
// masked bits come from Shadow, unmasked bits come from Real.
func (c ShadowedControlRegister) GuestVisibleValue() uint64 {
	return (c.Real &^ c.Mask) | (c.Shadow & c.Mask)
}

// GuestWrite applies a guest-intended CR0/CR4 write: masked bits only
// update Shadow (the guest's view), unmasked bits flow through to Real.
func (c *ShadowedControlRegister) GuestWrite(value uint64) {
	c.Shadow = (c.Shadow &^ c.Mask) | (value & c.Mask)
	c.Real = (c.Real &^ (^c.Mask)) | (value &^ c.Mask)
}

// CR4 bit positions this package cares about directly.
const (
	cr4PAE  = 1 << 5
	cr4SMXE = 1 << 14
	cr4PSE  = 1 << 4
)

// cr0PE is CR0's protection-enable bit.
const cr0PE = 1 << 0

// MaskSMXE clears CR4.SMXE from a guest-intended write before it ever
// reaches Real: spec.md §7 classifies writes to CR4.SMXE as "ignored"
// since SMX is not exposed to the guest.
func MaskSMXE(value uint64) uint64 {
	return value &^ cr4SMXE
}

// PAEBit reports a raw CR4 value's PAE bit, exported so callers outside
// this package (internal/glue's exit dispatch) can classify a CR3/CR4
// write without reaching into this package's private bit layout.
func PAEBit(cr4 uint64) bool { return cr4&cr4PAE != 0 }

// CR0PEBit reports a raw CR0 value's protection-enable bit.
func CR0PEBit(cr0 uint64) bool { return cr0&cr0PE != 0 }

// CR0PGBit reports a raw CR0 value's paging-enable bit.
func CR0PGBit(cr0 uint64) bool { return cr0&cr0PG != 0 }
