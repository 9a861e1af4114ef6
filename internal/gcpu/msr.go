// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gcpu

import (
	"github.com/pkg/errors"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

// MSR addresses the static table routes, per spec.md §4.5.
const (
	MSRDebugCtl        = 0x1D9
	MSREFER            = 0xC0000080
	MSRPAT             = 0x277
	MSRSysenterCS      = 0x174
	MSRSysenterESP     = 0x175
	MSRSysenterEIP     = 0x176
	MSRPerfGlobalCtrl  = 0x38F
	MSRFSBase          = 0xC0000100
	MSRGSBase          = 0xC0000101
)

// EFER bit positions the resume algorithm and MSR handling reference.
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// msrTable maps each handled MSR to the VMCS guest-state field it
// corresponds to when the active VM-entry/VM-exit controls promise to
// save/load it directly; MSRs with no listed field, or whose controls
// don't promise save/load, go through the VM-entry MSR-load / VM-exit
// MSR-store lists instead.
var msrTable = map[uint32]hwabi.VMCSField{
	MSRDebugCtl:       hwabi.VMCSField(0x2802), // GUEST_IA32_DEBUGCTL
	MSREFER:           hwabi.VMCSField(0x2806), // GUEST_IA32_EFER
	MSRPAT:            hwabi.VMCSField(0x2804), // GUEST_IA32_PAT
	MSRSysenterCS:     hwabi.VMCSField(0x482A), // GUEST_SYSENTER_CS
	MSRSysenterESP:    hwabi.VMCSField(0x6824), // GUEST_SYSENTER_ESP
	MSRSysenterEIP:    hwabi.VMCSField(0x6826), // GUEST_SYSENTER_EIP
	MSRPerfGlobalCtrl: hwabi.VMCSField(0x2808), // GUEST_IA32_PERF_GLOBAL_CTRL
	MSRFSBase:         hwabi.VMCSField(0x680E), // GUEST_FS_BASE
	MSRGSBase:         hwabi.VMCSField(0x6810), // GUEST_GS_BASE
}

// Manager implements the MSR static-table routing and the VM-entry
// MSR-load / VM-exit MSR-store list simulation for MSRs the active
// controls don't promise to save/load directly.
type Manager struct {
	vmx          hwabi.VMX
	loadStoreList map[uint32]uint64
}

// NewManager constructs an MSR manager over vmx.
func NewManager(vmx hwabi.VMX) *Manager {
	return &Manager{vmx: vmx, loadStoreList: make(map[uint32]uint64)}
}

// ControlsPromiseSaveLoad reports, for a given MSR, whether the
// currently active VM-exit/VM-entry controls promise to save/load it
// through a dedicated VMCS field. Callers (internal/vmcs's discovered
// exit/entry controls) supply this; the zero-value Manager treats
// every listed MSR as load-list-routed unless told otherwise.
type ControlsPromiseSaveLoad func(msr uint32) bool

// Write routes a guest MSR write to its VMCS field (if the table maps
// it and promise says the controls save/load it directly) or to the
// VM-entry MSR-load / VM-exit MSR-store list otherwise — which must
// share the same address per spec.md §4.5.
func (m *Manager) Write(msr uint32, value uint64, promise ControlsPromiseSaveLoad) error {
	if field, ok := msrTable[msr]; ok && promise != nil && promise(msr) {
		return m.vmx.VMCSWrite(field, value)
	}
	m.loadStoreList[msr] = value
	return nil
}

// Read walks the same routing Write uses.
func (m *Manager) Read(msr uint32, promise ControlsPromiseSaveLoad) (uint64, error) {
	if field, ok := msrTable[msr]; ok && promise != nil && promise(msr) {
		return m.vmx.VMCSRead(field)
	}
	if v, ok := m.loadStoreList[msr]; ok {
		return v, nil
	}
	return 0, errors.Errorf("gcpu: MSR %#x not present in load/store list", msr)
}

// EFERWriteResult reports the IA32e entry-control recomputation a
// non-layer-1 EFER write triggers.
type EFERWriteResult struct {
	NewEFER         uint64
	IA32eEntryCtrl  bool
}

// HandleEFERWrite implements spec.md §4.5's EFER write handling: on a
// write in non-layer-1 mode, recompute the IA32e entry control from
// LME; if LME is set without Unrestricted Guest support, also force
// LMA (since without UG, entering long mode always implies paging is
// active, i.e. LMA tracks LME exactly).
func HandleEFERWrite(efer uint64, unrestrictedGuest bool) EFERWriteResult {
	lme := efer&eferLME != 0
	if lme && !unrestrictedGuest {
		efer |= eferLMA
	}
	return EFERWriteResult{NewEFER: efer, IA32eEntryCtrl: lme}
}
