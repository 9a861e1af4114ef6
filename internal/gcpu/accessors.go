// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gcpu

import "github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"

// VMCS field encodings this package reads/writes directly. Real
// encodings are left to the production VMX backend; the simulator
// uses these as opaque map keys like everywhere else in hvcore.
const (
	fieldRSP                  hwabi.VMCSField = 0x681C
	fieldRIP                  hwabi.VMCSField = 0x681E
	fieldRFLAGS               hwabi.VMCSField = 0x6820
	fieldCR0                  hwabi.VMCSField = 0x6800
	fieldCR3                  hwabi.VMCSField = 0x6802
	fieldCR4                  hwabi.VMCSField = 0x6804
	fieldDR7                  hwabi.VMCSField = 0x681A
	fieldGDTRBase             hwabi.VMCSField = 0x6816
	fieldGDTRLimit            hwabi.VMCSField = 0x4810
	fieldIDTRBase             hwabi.VMCSField = 0x6818
	fieldIDTRLimit            hwabi.VMCSField = 0x4812
	fieldActivityState        hwabi.VMCSField = 0x4826
	fieldInterruptibility     hwabi.VMCSField = 0x4824
	fieldPendingDebugExcept   hwabi.VMCSField = 0x6822
	fieldEnterInterruptInfo   hwabi.VMCSField = 0x4016
	fieldIDTVectoringInfo     hwabi.VMCSField = 0x4408
	fieldExitQualification    hwabi.VMCSField = 0x6400
	fieldExitReason           hwabi.VMCSField = 0x4402
	fieldGuestPhysicalAddress hwabi.VMCSField = 0x2400
	fieldGuestLinearAddress   hwabi.VMCSField = 0x640A
	fieldEPTPointer           hwabi.VMCSField = 0x201A
	fieldEPTPIndex            hwabi.VMCSField = 0x2020
	fieldVMFuncControls       hwabi.VMCSField = 0x2018
	fieldEPTPListAddress      hwabi.VMCSField = 0x2024
)

func segmentSelectorField(seg Segment) hwabi.VMCSField { return hwabi.VMCSField(0x0800 + 2*int(seg)) }
func segmentBaseField(seg Segment) hwabi.VMCSField     { return hwabi.VMCSField(0x6806 + 2*int(seg)) }
func segmentLimitField(seg Segment) hwabi.VMCSField    { return hwabi.VMCSField(0x4800 + 2*int(seg)) }
func segmentAttrField(seg Segment) hwabi.VMCSField     { return hwabi.VMCSField(0x4814 + 2*int(seg)) }

// Segment enumerates the 8 segment registers the external interface
// (spec.md §6) lists per gcpu state: CS, SS, DS, ES, FS, GS, TR, LDTR.
type Segment int

const (
	SegCS Segment = iota
	SegSS
	SegDS
	SegES
	SegFS
	SegGS
	SegTR
	SegLDTR
)

// SegmentValue is one segment register's sel/base/limit/attr quartet.
type SegmentValue struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint32
}

// Accessor is the layered register accessor spec.md §4.5 describes:
// "VMCS_MERGED is the default, meaning the single VMCS when not
// nested." Every accessor method picks between a VMCS field and the
// gcpu save area; the Layer field is where a future nested-virtualization
// level0/level1 split would plug in (spec.md §9's "VmcsView" note) — not
// shipped here, so Layer is always LayerMerged.
type Accessor struct {
	Layer Layer
	VMX   hwabi.VMX
}

// Layer selects which VMCS view an Accessor reads/writes.
type Layer int

const (
	LayerMerged Layer = iota
)

// NewAccessor constructs the default (merged, non-nested) accessor.
func NewAccessor(vmx hwabi.VMX) *Accessor {
	return &Accessor{Layer: LayerMerged, VMX: vmx}
}

func (a *Accessor) RSP() (uint64, error)         { return a.VMX.VMCSRead(fieldRSP) }
func (a *Accessor) SetRSP(v uint64) error        { return a.VMX.VMCSWrite(fieldRSP, v) }
func (a *Accessor) RIP() (uint64, error)         { return a.VMX.VMCSRead(fieldRIP) }
func (a *Accessor) SetRIP(v uint64) error        { return a.VMX.VMCSWrite(fieldRIP, v) }
func (a *Accessor) RFLAGS() (uint64, error)      { return a.VMX.VMCSRead(fieldRFLAGS) }
func (a *Accessor) SetRFLAGS(v uint64) error     { return a.VMX.VMCSWrite(fieldRFLAGS, v) }

func (a *Accessor) RealCR0() (uint64, error)  { return a.VMX.VMCSRead(fieldCR0) }
func (a *Accessor) SetRealCR0(v uint64) error { return a.VMX.VMCSWrite(fieldCR0, v) }
func (a *Accessor) CR3() (uint64, error)      { return a.VMX.VMCSRead(fieldCR3) }
func (a *Accessor) SetCR3(v uint64) error     { return a.VMX.VMCSWrite(fieldCR3, v) }
func (a *Accessor) RealCR4() (uint64, error)  { return a.VMX.VMCSRead(fieldCR4) }
func (a *Accessor) SetRealCR4(v uint64) error { return a.VMX.VMCSWrite(fieldCR4, v) }

func (a *Accessor) DR7() (uint64, error)     { return a.VMX.VMCSRead(fieldDR7) }
func (a *Accessor) SetDR7(v uint64) error    { return a.VMX.VMCSWrite(fieldDR7, v) }

func (a *Accessor) ActivityState() (uint64, error)      { return a.VMX.VMCSRead(fieldActivityState) }
func (a *Accessor) SetActivityState(v uint64) error     { return a.VMX.VMCSWrite(fieldActivityState, v) }
func (a *Accessor) Interruptibility() (uint64, error)    { return a.VMX.VMCSRead(fieldInterruptibility) }
func (a *Accessor) SetInterruptibility(v uint64) error   { return a.VMX.VMCSWrite(fieldInterruptibility, v) }
func (a *Accessor) PendingDebugExceptions() (uint64, error) {
	return a.VMX.VMCSRead(fieldPendingDebugExcept)
}
func (a *Accessor) SetPendingDebugExceptions(v uint64) error {
	return a.VMX.VMCSWrite(fieldPendingDebugExcept, v)
}

func (a *Accessor) EnterInterruptInfo() (uint64, error)  { return a.VMX.VMCSRead(fieldEnterInterruptInfo) }
func (a *Accessor) SetEnterInterruptInfo(v uint64) error { return a.VMX.VMCSWrite(fieldEnterInterruptInfo, v) }
func (a *Accessor) IDTVectoringInfo() (uint64, error)    { return a.VMX.VMCSRead(fieldIDTVectoringInfo) }
func (a *Accessor) ExitQualification() (uint64, error)   { return a.VMX.VMCSRead(fieldExitQualification) }

// IDTVectoringValid reports whether IDT_VECTORING_INFO carries a
// pending re-injected event, per the same bit-31 validity test
// reinjectPendingEvent (resume.go) uses.
func (a *Accessor) IDTVectoringValid() (bool, error) {
	v, err := a.VMX.VMCSRead(fieldIDTVectoringInfo)
	if err != nil {
		return false, err
	}
	return v&vectoringInfoValid != 0, nil
}

// ExitReason reads the raw EXIT_REASON field; callers basic-reason-mask
// it via hwabi.BasicReason before switching on it.
func (a *Accessor) ExitReason() (uint64, error) { return a.VMX.VMCSRead(fieldExitReason) }

// SetExitReason writes EXIT_REASON. Real hardware never accepts a
// write to this field; this exists for the simulator/demo driver to
// stage a VM-exit reason ahead of a DispatchVMExit call.
func (a *Accessor) SetExitReason(v uint64) error { return a.VMX.VMCSWrite(fieldExitReason, v) }

func (a *Accessor) GuestPhysicalAddress() (uint64, error) { return a.VMX.VMCSRead(fieldGuestPhysicalAddress) }
func (a *Accessor) GuestLinearAddress() (uint64, error)   { return a.VMX.VMCSRead(fieldGuestLinearAddress) }
func (a *Accessor) EPTPIndex() (uint64, error)            { return a.VMX.VMCSRead(fieldEPTPIndex) }

func (a *Accessor) EPTPointer() (uint64, error)  { return a.VMX.VMCSRead(fieldEPTPointer) }
func (a *Accessor) SetEPTPointer(v uint64) error { return a.VMX.VMCSWrite(fieldEPTPointer, v) }

func (a *Accessor) VMFuncControls() (uint64, error)  { return a.VMX.VMCSRead(fieldVMFuncControls) }
func (a *Accessor) SetVMFuncControls(v uint64) error { return a.VMX.VMCSWrite(fieldVMFuncControls, v) }
func (a *Accessor) SetEPTPListAddress(v uint64) error { return a.VMX.VMCSWrite(fieldEPTPListAddress, v) }

func (a *Accessor) Segment(seg Segment) (SegmentValue, error) {
	sel, err := a.VMX.VMCSRead(segmentSelectorField(seg))
	if err != nil {
		return SegmentValue{}, err
	}
	base, err := a.VMX.VMCSRead(segmentBaseField(seg))
	if err != nil {
		return SegmentValue{}, err
	}
	limit, err := a.VMX.VMCSRead(segmentLimitField(seg))
	if err != nil {
		return SegmentValue{}, err
	}
	attr, err := a.VMX.VMCSRead(segmentAttrField(seg))
	if err != nil {
		return SegmentValue{}, err
	}
	return SegmentValue{Selector: uint16(sel), Base: base, Limit: uint32(limit), Attr: uint32(attr)}, nil
}

func (a *Accessor) SetSegment(seg Segment, v SegmentValue) error {
	if err := a.VMX.VMCSWrite(segmentSelectorField(seg), uint64(v.Selector)); err != nil {
		return err
	}
	if err := a.VMX.VMCSWrite(segmentBaseField(seg), v.Base); err != nil {
		return err
	}
	if err := a.VMX.VMCSWrite(segmentLimitField(seg), uint64(v.Limit)); err != nil {
		return err
	}
	return a.VMX.VMCSWrite(segmentAttrField(seg), uint64(v.Attr))
}

func (a *Accessor) GDTR() (base uint64, limit uint32, err error) {
	b, err := a.VMX.VMCSRead(fieldGDTRBase)
	if err != nil {
		return 0, 0, err
	}
	l, err := a.VMX.VMCSRead(fieldGDTRLimit)
	if err != nil {
		return 0, 0, err
	}
	return b, uint32(l), nil
}

func (a *Accessor) SetGDTR(base uint64, limit uint32) error {
	if err := a.VMX.VMCSWrite(fieldGDTRBase, base); err != nil {
		return err
	}
	return a.VMX.VMCSWrite(fieldGDTRLimit, uint64(limit))
}

func (a *Accessor) IDTR() (base uint64, limit uint32, err error) {
	b, err := a.VMX.VMCSRead(fieldIDTRBase)
	if err != nil {
		return 0, 0, err
	}
	l, err := a.VMX.VMCSRead(fieldIDTRLimit)
	if err != nil {
		return 0, 0, err
	}
	return b, uint32(l), nil
}

func (a *Accessor) SetIDTR(base uint64, limit uint32) error {
	if err := a.VMX.VMCSWrite(fieldIDTRBase, base); err != nil {
		return err
	}
	return a.VMX.VMCSWrite(fieldIDTRLimit, uint64(limit))
}
