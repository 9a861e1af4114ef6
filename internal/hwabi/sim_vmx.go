// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hwabi

import (
	"sync"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

// SimVMX is a per-gcpu fake VMCS: a field->value map plus counters for
// the instructions that have no return value in real hardware
// (vmlaunch/vmresume/invept/invvpid), so tests can assert how many
// times, and with what arguments, each was invoked.
type SimVMX struct {
	mu sync.Mutex

	fields map[VMCSField]uint64
	msrs   map[uint32]uint64

	Launched      bool
	LaunchCount   int
	ResumeCount   int
	InveptCalls   []InveptCall
	InvvpidCalls  []InvvpidCall
	FailNextEntry bool

	inveptModes  []InvMode
	invvpidModes []InvMode
}

// InveptCall records one simulated INVEPT invocation.
type InveptCall struct {
	Mode InvMode
	EPTP uint64
}

// InvvpidCall records one simulated INVVPID invocation.
type InvvpidCall struct {
	Mode InvMode
	VPID uint16
	GVA  addr.GVA
}

// NewSimVMX constructs a fake VMCS advertising the given invalidation
// mode support, most-preferred first.
func NewSimVMX(inveptModes, invvpidModes []InvMode) *SimVMX {
	return &SimVMX{
		fields:       make(map[VMCSField]uint64),
		msrs:         make(map[uint32]uint64),
		inveptModes:  inveptModes,
		invvpidModes: invvpidModes,
	}
}

// StubMSR sets the value ReadMSR returns for msr, for tests to
// construct synthetic VMX capability MSR contents.
func (v *SimVMX) StubMSR(msr uint32, value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msrs[msr] = value
}

func (v *SimVMX) ReadMSR(msr uint32) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.msrs[msr], nil
}

func (v *SimVMX) VMCSRead(field VMCSField) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fields[field], nil
}

func (v *SimVMX) VMCSWrite(field VMCSField, value uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fields[field] = value
	return nil
}

func (v *SimVMX) VMLaunch() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.LaunchCount++
	if v.FailNextEntry {
		v.FailNextEntry = false
		return errVMEntryFailed
	}
	v.Launched = true
	return nil
}

func (v *SimVMX) VMResume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ResumeCount++
	if v.FailNextEntry {
		v.FailNextEntry = false
		return errVMEntryFailed
	}
	return nil
}

func (v *SimVMX) InveptModes() []InvMode  { return v.inveptModes }
func (v *SimVMX) InvvpidModes() []InvMode { return v.invvpidModes }

func (v *SimVMX) Invept(mode InvMode, eptp uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.InveptCalls = append(v.InveptCalls, InveptCall{Mode: mode, EPTP: eptp})
	return nil
}

func (v *SimVMX) Invvpid(mode InvMode, vpid uint16, gva addr.GVA) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.InvvpidCalls = append(v.InvvpidCalls, InvvpidCall{Mode: mode, VPID: vpid, GVA: gva})
	return nil
}

type vmEntryError string

func (e vmEntryError) Error() string { return string(e) }

const errVMEntryFailed = vmEntryError("simulated vm-entry failure")
