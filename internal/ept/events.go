// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ept

import (
	"fmt"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

const (
	cr0PG uint64 = 1 << 31
)

// CR0WriteAction reports what AFTER_GUEST_CR0_WRITE requires of the
// caller: EnableEPT and ReloadPDPTEs are advisory flags the gcpu
// engine applies to the VMCS/PDPTE registers it owns.
type CR0WriteAction struct {
	EnableEPT    bool
	ReloadPDPTEs bool
}

// AfterGuestCR0Write implements the AFTER_GUEST_CR0_WRITE tracked
// event: if PG transitions 0→1 on a CPU that lacks Unrestricted
// Guest, EPT must be (re-)enabled and, under PAE, the PDPTEs reloaded.
func (e *Engine) AfterGuestCR0Write(unrestrictedGuest, pae bool, oldCR0, newCR0 uint64) CR0WriteAction {
	pgRisingEdge := oldCR0&cr0PG == 0 && newCR0&cr0PG != 0
	if unrestrictedGuest || !pgRisingEdge {
		return CR0WriteAction{}
	}
	return CR0WriteAction{EnableEPT: true, ReloadPDPTEs: pae}
}

// CR3WriteAction reports what AFTER_GUEST_CR3_WRITE requires: VPID is
// always flushed on a CR3 write; PDPTEs are reloaded only under
// PAE with paging enabled.
type CR3WriteAction struct {
	ReloadPDPTEs bool
}

// AfterGuestCR3Write implements the AFTER_GUEST_CR3_WRITE tracked
// event: flushes VPID for gva (typically the null address for a
// whole-context flush) and reports whether PDPTEs need reloading.
func (e *Engine) AfterGuestCR3Write(vpid uint16, gva addr.GVA, pagingEnabled, pae bool) (CR3WriteAction, error) {
	mode, ok := chooseInvvpidMode(e.vmx.InvvpidModes())
	if !ok {
		return CR3WriteAction{}, fmt.Errorf("ept: no INVVPID mode supported by hardware")
	}
	if err := e.vmx.Invvpid(mode, vpid, gva); err != nil {
		return CR3WriteAction{}, err
	}
	return CR3WriteAction{ReloadPDPTEs: pagingEnabled && pae}, nil
}

// AfterGuestCR4Write implements the AFTER_GUEST_CR4_WRITE tracked
// event: under EPT, a PAE toggle requires reloading the PDPTEs.
func (e *Engine) AfterGuestCR4Write(eptEnabled, paeToggled bool) (reloadPDPTEs bool) {
	return eptEnabled && paeToggled
}

// EmulatorAsGuestEnter implements EMULATOR_AS_GUEST_ENTER: EPT is
// disabled on gcpuID while the emulator runs the guest, saving the
// active view so Leave can restore it verbatim.
func (e *Engine) EmulatorAsGuestEnter(gcpuID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[gcpuID]; ok {
		e.suspended[gcpuID] = a
		delete(e.active, gcpuID)
	}
}

// EmulatorAsGuestLeave implements EMULATOR_AS_GUEST_LEAVE: restores
// the EPT view that was active before the matching Enter.
func (e *Engine) EmulatorAsGuestLeave(gcpuID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.suspended[gcpuID]; ok {
		e.active[gcpuID] = a
		delete(e.suspended, gcpuID)
	}
}

// EPTViolationAction reports how the core should adjust guest
// interruptibility before re-entering after an EPT_VIOLATION exit.
type EPTViolationAction struct {
	SetBlockNMI bool
}

// HandleEPTViolation implements the EPT_VIOLATION tracked event's
// NMI-unblocking heuristic: if the exit's IDT-vectoring info is not
// valid (no event currently being delivered) and the NMI-unblocking
// bit is set in the exit qualification, guest interruptibility must
// have block-NMI set before re-entry.
func (e *Engine) HandleEPTViolation(idtVectoringValid, nmiUnblocking bool) EPTViolationAction {
	return EPTViolationAction{SetBlockNMI: !idtVectoringValid && nmiUnblocking}
}

// HandleEPTMisconfiguration implements the EPT_MISCONFIGURATION
// tracked event: fatal. Logs the EPTP and faulting GPA before halting
// since there is no recovery path for a misconfigured EPT entry.
func (e *Engine) HandleEPTMisconfiguration(eptp uint64, gpa addr.GPA, halt hwabi.Halter) {
	eptLogger.WithFields(map[string]interface{}{
		"eptp": fmt.Sprintf("%#x", eptp),
		"gpa":  fmt.Sprintf("%#x", gpa),
	}).Error("EPT misconfiguration")
	halt.Halt(fmt.Sprintf("EPT misconfiguration at gpa=%#x eptp=%#x", gpa, eptp))
}
