// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmcs implements VMCS capability discovery (spec.md §4.7):
// reading the IA32_VMX_* MSRs on BSP bring-up and deriving the
// fixed-0/fixed-1 masks later used by every CR0/CR4 write and every
// VM-execution/entry/exit control the rest of the core sets up.
package vmcs

import (
	"fmt"

	"github.com/intel-go/cpuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

var vmcsLogger = logrus.WithField("source", "hvcore/vmcs")

// IA32_VMX_* MSR addresses, per the Intel SDM.
const (
	msrVMXBasic        = 0x480
	msrVMXPinbased     = 0x481
	msrVMXProcbased    = 0x482
	msrVMXExitCtls     = 0x483
	msrVMXEntryCtls    = 0x484
	msrVMXMisc         = 0x485
	msrVMXCR0Fixed0    = 0x486
	msrVMXCR0Fixed1    = 0x487
	msrVMXCR4Fixed0    = 0x488
	msrVMXCR4Fixed1    = 0x489
	msrVMXProcbased2   = 0x48B
	msrVMXEPTVPIDCap   = 0x48C
	msrVMXVMFunc       = 0x491
)

// CR0/CR4 bit positions referenced by the Unrestricted-Guest special case.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
)

// EPT_VPID_CAP bit positions (Intel SDM Vol. 3, Table on EPT/VPID capabilities).
const (
	eptCap2MBPages          = 1 << 16
	eptCap1GBPages          = 1 << 17
	eptCapInvept            = 1 << 20
	eptCapInveptSingle      = 1 << 25
	eptCapInveptAll         = 1 << 26
	eptCapInvvpid           = 1 << 32
	eptCapInvvpidIndividual = 1 << 40
	eptCapInvvpidSingle     = 1 << 41
	eptCapInvvpidAll        = 1 << 42
)

// Capabilities is the result of VMCS capability discovery: the
// fixed-0/fixed-1 masks for every writable control, plus the
// EPT/VPID/VMFUNC feature matrix spec.md §4.7 describes.
type Capabilities struct {
	PinbasedFixed0, PinbasedFixed1   uint64
	ProcbasedFixed0, ProcbasedFixed1 uint64
	Procbased2Fixed0, Procbased2Fixed1 uint64
	ExitFixed0, ExitFixed1           uint64
	EntryFixed0, EntryFixed1         uint64

	CR0Fixed0, CR0Fixed1 uint64
	CR4Fixed0, CR4Fixed1 uint64

	VMCSRevisionID uint32
	VMCSRegionSize uint32
	VMCSMemType    uint8

	UnrestrictedGuest bool
	EPTSuperPages     map[int]bool // MAM levels: 2 (2 MiB), 3 (1 GiB)

	InveptModes  []hwabi.InvMode
	InvvpidModes []hwabi.InvMode

	VMFuncEPTPSwitching bool
}

// Discover reads the IA32 VMX capability MSRs via vmx and derives the
// fixed masks and feature matrix. It cross-checks basic VMX support
// against CPUID (spec.md's domain stack: github.com/intel-go/cpuid)
// before trusting any MSR content, since an MSR read on a CPU that
// doesn't support VMX at all is meaningless. On a capability that
// indicates the platform cannot run this core at all (no VMX per
// CPUID, or a VMCS memory type other than UC or WB),
// Discover calls halt.Halt and returns an error (halt.Halt never
// returns in production; the simulator panics so tests can recover()).
func Discover(vmx hwabi.VMX, halt hwabi.Halter) (*Capabilities, error) {
	if !cpuid.HasFeature(cpuid.VMX) {
		halt.Halt("cpuid reports VMX not supported")
		return nil, errors.New("vmcs: VMX not supported per CPUID")
	}

	basic, err := vmx.ReadMSR(msrVMXBasic)
	if err != nil {
		return nil, errors.Wrap(err, "read IA32_VMX_BASIC")
	}
	memType := uint8((basic >> 50) & 0xF)
	if memType != 0 && memType != 6 {
		halt.Halt(fmt.Sprintf("unsupported VMCS memory type %d", memType))
		return nil, fmt.Errorf("vmcs: unsupported VMCS memory type %d", memType)
	}

	c := &Capabilities{
		VMCSRevisionID: uint32(basic & 0x7FFF_FFFF),
		VMCSRegionSize: uint32((basic >> 32) & 0x1FFF),
		VMCSMemType:    memType,
	}

	if err := c.readControlPair(vmx, msrVMXPinbased, &c.PinbasedFixed0, &c.PinbasedFixed1); err != nil {
		return nil, err
	}
	if err := c.readControlPair(vmx, msrVMXProcbased, &c.ProcbasedFixed0, &c.ProcbasedFixed1); err != nil {
		return nil, err
	}
	if err := c.readControlPair(vmx, msrVMXProcbased2, &c.Procbased2Fixed0, &c.Procbased2Fixed1); err != nil {
		return nil, err
	}
	if err := c.readControlPair(vmx, msrVMXExitCtls, &c.ExitFixed0, &c.ExitFixed1); err != nil {
		return nil, err
	}
	if err := c.readControlPair(vmx, msrVMXEntryCtls, &c.EntryFixed0, &c.EntryFixed1); err != nil {
		return nil, err
	}

	cr0f0, err := vmx.ReadMSR(msrVMXCR0Fixed0)
	if err != nil {
		return nil, err
	}
	cr0f1, err := vmx.ReadMSR(msrVMXCR0Fixed1)
	if err != nil {
		return nil, err
	}
	cr4f0, err := vmx.ReadMSR(msrVMXCR4Fixed0)
	if err != nil {
		return nil, err
	}
	cr4f1, err := vmx.ReadMSR(msrVMXCR4Fixed1)
	if err != nil {
		return nil, err
	}
	c.CR0Fixed0, c.CR0Fixed1 = cr0f0, cr0f1
	c.CR4Fixed0, c.CR4Fixed1 = cr4f0, cr4f1

	// Unrestricted Guest is advertised in the secondary processor-based
	// control's allowed-1 bits (bit 7); gate the CR0 special case on it.
	const ugBit = 1 << 7
	c.UnrestrictedGuest = c.Procbased2Fixed1&ugBit != 0
	if c.UnrestrictedGuest {
		c.CR0Fixed1 &^= cr0PE | cr0PG
		vmcsLogger.Debug("unrestricted guest supported: clearing PE/PG from CR0 fixed-1 mask")
	}

	eptVpidCap, err := vmx.ReadMSR(msrVMXEPTVPIDCap)
	if err != nil {
		return nil, err
	}
	c.EPTSuperPages = map[int]bool{
		2: eptVpidCap&eptCap2MBPages != 0,
		3: eptVpidCap&eptCap1GBPages != 0,
	}
	c.InveptModes = inveptModes(eptVpidCap)
	c.InvvpidModes = invvpidModes(eptVpidCap)

	vmfunc, err := vmx.ReadMSR(msrVMXVMFunc)
	if err != nil {
		return nil, err
	}
	c.VMFuncEPTPSwitching = vmfunc&1 != 0

	return c, nil
}

// readControlPair derives the fixed-0/fixed-1 masks for one VMX
// control MSR, which packs "allowed-0 settings" in the low 32 bits and
// "allowed-1 settings" in the high 32 bits: fixed-0 (must be set) is
// their AND, fixed-1 (may be set) is their OR, per spec.md §4.7.
func (c *Capabilities) readControlPair(vmx hwabi.VMX, msr uint32, fixed0, fixed1 *uint64) error {
	raw, err := vmx.ReadMSR(msr)
	if err != nil {
		return errors.Wrapf(err, "read control MSR %#x", msr)
	}
	lo := raw & 0xFFFF_FFFF
	hi := raw >> 32
	*fixed0 = lo & hi
	*fixed1 = lo | hi
	return nil
}

func inveptModes(cap uint64) []hwabi.InvMode {
	if cap&eptCapInvept == 0 {
		return nil
	}
	var modes []hwabi.InvMode
	if cap&eptCapInveptSingle != 0 {
		modes = append(modes, hwabi.InvSingleContext)
	}
	if cap&eptCapInveptAll != 0 {
		modes = append(modes, hwabi.InvAllContexts)
	}
	return modes
}

func invvpidModes(cap uint64) []hwabi.InvMode {
	if cap&eptCapInvvpid == 0 {
		return nil
	}
	var modes []hwabi.InvMode
	if cap&eptCapInvvpidIndividual != 0 {
		modes = append(modes, hwabi.InvIndividualAddress)
	}
	if cap&eptCapInvvpidSingle != 0 {
		modes = append(modes, hwabi.InvSingleContext)
	}
	if cap&eptCapInvvpidAll != 0 {
		modes = append(modes, hwabi.InvAllContexts)
	}
	return modes
}

// MakeCompliantCR applies fixed0/fixed1: (value & fixed1) | fixed0,
// the formula every CR0/CR4 write to the VMCS must pass through
// (spec.md §4.7, tested property "capability masking").
func MakeCompliantCR(value, fixed0, fixed1 uint64) uint64 {
	return (value & fixed1) | fixed0
}
