// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"github.com/pkg/errors"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/e820"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/events"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/fvs"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/gcpu"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/ve"
)

// exitInstructionLength is the fixed length of the three three-byte VMX
// instructions (vmcall, vmfunc, and the CR-access-triggering mov
// to/from cr) this dispatch table advances RIP past. Real hardware
// reports the exact length in VM_EXIT_INSTRUCTION_LENGTH; the
// simulator doesn't model instruction bytes at all, so this constant
// stands in for that field the way the rest of this package already
// treats VMCS fields as opaque map keys.
const exitInstructionLength = 3

// DispatchVMExit is the core's steady-state VM-exit handler: read the
// basic exit reason off hostCPU's bound gcpu, route it to the owning
// package's handler (internal/ept, internal/fvs, internal/ve,
// internal/e820), and publish the outcome on the primary guest's
// events.Bus (spec.md §9's fixed dispatch-table redesign). Unhandled
// exit reasons are a no-op: this core only virtualizes the handful of
// exits spec.md names, not a full instruction-emulation surface.
func (b *Bootstrap) DispatchVMExit(hostCPU int) error {
	gcpuID, ok := b.sched.GCPUIDFor(hostCPU)
	if !ok {
		return errors.Errorf("glue: no gcpu bound to host cpu %d", hostCPU)
	}
	gc, ok := b.gcpus[gcpuID]
	if !ok {
		return errors.Errorf("glue: unknown gcpu id %d", gcpuID)
	}
	acc := gcpu.NewAccessor(b.VMX)

	raw, err := acc.ExitReason()
	if err != nil {
		return errors.Wrap(err, "glue: reading EXIT_REASON")
	}

	switch hwabi.BasicReason(raw) {
	case hwabi.ExitReasonCRAccess:
		return b.dispatchCRAccess(gc, acc, gcpuID)
	case hwabi.ExitReasonVMCall:
		return b.dispatchVMCall(gc, acc)
	case hwabi.ExitReasonVMFunc:
		return b.dispatchVMFunc(gc, acc, gcpuID)
	case hwabi.ExitReasonEPTViolation:
		return b.dispatchEPTViolation(gc, acc, gcpuID)
	case hwabi.ExitReasonEPTMisconfig:
		return b.dispatchEPTMisconfig(acc, gcpuID)
	default:
		return nil
	}
}

// crAccessType/crAccessGPRShift/crAccessCRMask decode the CR-access
// exit qualification's bit layout (Intel SDM Vol. 3, Table 27-3):
// bits[3:0] CR number, bits[5:4] access type (0 = MOV to CR), bits
// [11:8] the GPR involved.
const (
	crAccessCRMask    = 0xF
	crAccessTypeShift = 4
	crAccessTypeMask  = 0x3
	crAccessGPRShift  = 8
	crAccessGPRMask   = 0xF
	crAccessTypeMovToCR = 0
)

func (b *Bootstrap) dispatchCRAccess(gc *gcpu.GCPU, acc *gcpu.Accessor, gcpuID int) error {
	q, err := acc.ExitQualification()
	if err != nil {
		return err
	}
	if (q>>crAccessTypeShift)&crAccessTypeMask != crAccessTypeMovToCR {
		// MOV-from-CR, CLTS and LMSW never change CR0/CR3/CR4 in a way
		// this core virtualizes state around; let the guest's write
		// stand without further action.
		return acc.SetRIP(mustAdvanceRIP(acc))
	}

	gprVal, err := gprValue(gc, acc, (q>>crAccessGPRShift)&crAccessGPRMask)
	if err != nil {
		return err
	}

	switch q & crAccessCRMask {
	case 0:
		if err := b.afterGuestCR0Write(gc, gprVal); err != nil {
			return err
		}
		b.publish(events.KindGuestCR0Write, gcpuID, gprVal)
	case 3:
		if err := b.afterGuestCR3Write(gc, acc, gcpuID, gprVal); err != nil {
			return err
		}
		b.publish(events.KindGuestCR3Write, gcpuID, gprVal)
	case 4:
		if err := b.afterGuestCR4Write(gc, gprVal); err != nil {
			return err
		}
		b.publish(events.KindGuestCR4Write, gcpuID, gprVal)
	default:
		// CR2 and CR8 accesses carry no EPT/paging side effect this
		// core needs to react to.
	}

	return acc.SetRIP(mustAdvanceRIP(acc))
}

func (b *Bootstrap) afterGuestCR0Write(gc *gcpu.GCPU, newVal uint64) error {
	old := gc.CR0.GuestVisibleValue()
	gc.CR0.GuestWrite(newVal)
	action := b.ept.AfterGuestCR0Write(b.unrestrictedGuestSupported(), gcpu.PAEBit(gc.CR4.GuestVisibleValue()), old, gc.CR0.GuestVisibleValue())
	gc.EPTEnabled = gc.EPTEnabled || action.EnableEPT
	if action.ReloadPDPTEs {
		gc.InvalidateCR3Cache()
	}
	return nil
}

func (b *Bootstrap) afterGuestCR3Write(gc *gcpu.GCPU, acc *gcpu.Accessor, gcpuID int, newVal uint64) error {
	gc.InvalidateCR3Cache()
	if err := acc.SetCR3(newVal); err != nil {
		return err
	}
	// VPID 0 is reserved for "no VPID"/host context on real hardware;
	// this core tags gcpu N's guest-linear-address space with VPID
	// N+1, the simplest collision-free scheme for a fixed, boot-time
	// vCPU count (no convention for this is named anywhere in spec.md).
	vpid := uint16(gcpuID + 1)
	_, err := b.ept.AfterGuestCR3Write(vpid, addr.GVA(0), gcpu.CR0PGBit(gc.CR0.GuestVisibleValue()), gcpu.PAEBit(gc.CR4.GuestVisibleValue()))
	return err
}

func (b *Bootstrap) afterGuestCR4Write(gc *gcpu.GCPU, newVal uint64) error {
	old := gc.CR4.GuestVisibleValue()
	gc.CR4.GuestWrite(gcpu.MaskSMXE(newVal))
	paeToggled := gcpu.PAEBit(old) != gcpu.PAEBit(gc.CR4.GuestVisibleValue())
	if reload := b.ept.AfterGuestCR4Write(gc.EPTEnabled, paeToggled); reload {
		gc.InvalidateCR3Cache()
	}
	return nil
}

// gprValue reads the general-purpose register a CR-access exit
// qualification names. RSP lives only in the VMCS (internal/gcpu
// never shadows it in save-area state), so index 4 reads through the
// accessor instead of gc.GPRs.
func gprValue(gc *gcpu.GCPU, acc *gcpu.Accessor, idx uint64) (uint64, error) {
	switch idx {
	case 0:
		return gc.GPRs.RAX, nil
	case 1:
		return gc.GPRs.RCX, nil
	case 2:
		return gc.GPRs.RDX, nil
	case 3:
		return gc.GPRs.RBX, nil
	case 4:
		return acc.RSP()
	case 5:
		return gc.GPRs.RBP, nil
	case 6:
		return gc.GPRs.RSI, nil
	case 7:
		return gc.GPRs.RDI, nil
	case 8:
		return gc.GPRs.R8, nil
	case 9:
		return gc.GPRs.R9, nil
	case 10:
		return gc.GPRs.R10, nil
	case 11:
		return gc.GPRs.R11, nil
	case 12:
		return gc.GPRs.R12, nil
	case 13:
		return gc.GPRs.R13, nil
	case 14:
		return gc.GPRs.R14, nil
	case 15:
		return gc.GPRs.R15, nil
	}
	return 0, errors.Errorf("glue: GPR index %d out of range", idx)
}

func mustAdvanceRIP(acc *gcpu.Accessor) uint64 {
	rip, err := acc.RIP()
	if err != nil {
		return 0
	}
	return rip + exitInstructionLength
}

// dispatchVMCall services spec.md §4.6's INT15h/E820 VMCALL trap. A
// nil b.INT15 means this guest boot never wired the handler (e.g. no
// legacy real-mode BIOS surface requested) -- a safe no-op, not an
// error.
func (b *Bootstrap) dispatchVMCall(gc *gcpu.GCPU, acc *gcpu.Accessor) error {
	if b.INT15 == nil {
		return nil
	}
	if gcpu.CR0PEBit(gc.CR0.GuestVisibleValue()) {
		// This vmcall came from protected-mode guest code, not the
		// real-mode INT15h stub; nothing here services it.
		return nil
	}

	cs, err := acc.Segment(gcpu.SegCS)
	if err != nil {
		return err
	}
	es, err := acc.Segment(gcpu.SegES)
	if err != nil {
		return err
	}
	rip, err := acc.RIP()
	if err != nil {
		return err
	}

	in := e820.CallInput{
		CS: cs.Selector,
		IP: uint16(rip),
		AX: uint32(gc.GPRs.RAX),
		DX: uint32(gc.GPRs.RDX),
		CX: uint32(gc.GPRs.RCX),
		BX: uint32(gc.GPRs.RBX),
		ES: es.Selector,
		DI: uint16(gc.GPRs.RDI),
	}
	res, err := b.INT15.Handle(in, b.Halt)
	if err != nil {
		return errors.Wrap(err, "glue: INT15h/E820 handler")
	}
	if !res.Consumed {
		return nil // not our stub's vmcall; pass through untouched
	}

	gc.GPRs.RAX = uint64(res.EAX)
	gc.GPRs.RBX = uint64(res.EBX)
	return acc.SetRIP(rip + exitInstructionLength)
}

// dispatchVMFunc services spec.md §4.3's Fast View Switch VMFUNC exit.
// A nil b.FVS means this guest's policy never enabled FVS.
func (b *Bootstrap) dispatchVMFunc(gc *gcpu.GCPU, acc *gcpu.Accessor, gcpuID int) error {
	rip, err := acc.RIP()
	if err != nil {
		return err
	}
	if b.FVS == nil || gc.GPRs.RAX != uint64(fvs.FastViewSwitchLeaf) {
		return acc.SetRIP(rip + exitInstructionLength)
	}

	action, err := b.FVS.HandleVMFuncSwitch(gcpuID, gc.GPRs.RCX)
	if err != nil {
		return err
	}
	if !action.Valid {
		b.publish(events.KindInvalidFastViewSwitch, gcpuID, gc.GPRs.RCX)
		return acc.SetRIP(rip + exitInstructionLength)
	}

	if err := acc.SetEPTPointer(action.NewEPT); err != nil {
		return err
	}
	b.ept.SetActive(gcpuID, addr.HPA(action.NewEPT&^0xFFF))
	return acc.SetRIP(rip + exitInstructionLength)
}

// dispatchEPTViolation implements spec.md §4.2/§4.4: decide whether
// this violation is eligible for software #VE injection, else publish
// an EPTViolation report event for the registered observers.
func (b *Bootstrap) dispatchEPTViolation(gc *gcpu.GCPU, acc *gcpu.Accessor, gcpuID int) error {
	q, err := acc.ExitQualification()
	if err != nil {
		return err
	}
	idtValid, err := acc.IDTVectoringValid()
	if err != nil {
		return err
	}
	const nmiUnblockingDueToIRET = 1 << 12
	nmiUnblocking := q&nmiUnblockingDueToIRET != 0

	action := b.ept.HandleEPTViolation(idtValid, nmiUnblocking)
	if action.SetBlockNMI {
		interrupt, err := acc.Interruptibility()
		if err != nil {
			return err
		}
		const interruptibilityBlockNMI = 1 << 3
		if err := acc.SetInterruptibility(interrupt | interruptibilityBlockNMI); err != nil {
			return err
		}
	}

	gla, err := acc.GuestLinearAddress()
	if err != nil {
		return err
	}
	gpaRaw, err := acc.GuestPhysicalAddress()
	if err != nil {
		return err
	}
	eptpIdx, err := acc.EPTPIndex()
	if err != nil {
		return err
	}

	candidate := ve.Candidate{
		GuestCR0PE:        gcpu.CR0PEBit(gc.CR0.GuestVisibleValue()),
		IDTVectoringValid: idtValid,
		ExitQualification: q,
		GLA:               addr.GVA(gla),
		GPA:               addr.GPA(gpaRaw),
		EPTPIndex:         uint16(eptpIdx),
	}

	if desc, ok := b.VE[gcpuID]; ok && ve.Eligible(*desc, candidate) {
		inj := ve.Inject(*desc, candidate)
		return acc.SetEnterInterruptInfo(encodeInjection(inj.Vector))
	}

	b.publish(events.KindEPTViolation, gcpuID, candidate)
	return nil
}

// encodeInjection builds an ENTER_INTERRUPT_INFO value for a
// hardware-exception injection with no error code (interruption type
// 3, Intel SDM Vol. 3 Table 24-15).
func encodeInjection(vector uint8) uint64 {
	const valid = 1 << 31
	const typeHardwareException = 3 << 8
	return valid | typeHardwareException | uint64(vector)
}

// dispatchEPTMisconfig implements spec.md §4.2: an EPT misconfiguration
// is always fatal, there is no guest-resumable recovery.
func (b *Bootstrap) dispatchEPTMisconfig(acc *gcpu.Accessor, gcpuID int) error {
	active, _ := b.ept.Active(gcpuID)
	eptp := b.ept.EPTP(active)
	gpaRaw, err := acc.GuestPhysicalAddress()
	if err != nil {
		return err
	}
	b.publish(events.KindEPTMisconfiguration, gcpuID, gpaRaw)
	b.ept.HandleEPTMisconfiguration(eptp, addr.GPA(gpaRaw), b.Halt)
	return nil // unreachable once Halt is production-wired; returns here only under a test Halter
}

func (b *Bootstrap) unrestrictedGuestSupported() bool {
	return b.Caps != nil && b.Caps.UnrestrictedGuest
}

// publish fans an event out on the primary guest's bus, if one has
// been registered. cmd/hvcoresim and production loaders alike only
// ever construct one primary guest per Bootstrap today (spec.md §9
// defers multi-guest secondary support); b.primaryGuestID is -1 until
// ConstructPrimaryGuest runs.
func (b *Bootstrap) publish(kind events.Kind, gcpuID int, data interface{}) {
	if b.primaryGuestID < 0 {
		return
	}
	g, ok := b.Registry.Lookup(b.primaryGuestID)
	if !ok || g.Events == nil {
		return
	}
	g.Events.Dispatch(events.Event{Kind: kind, GuestID: b.primaryGuestID, GCPUID: gcpuID, Data: data})
}
