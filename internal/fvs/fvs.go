// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package fvs implements Fast View Switch (spec.md §4.3): the
// vmfunc(0) EPTP-switching leaf, virtualized per host CPU as a 4 KiB
// EPTP list the guest switches between without a VM exit once enabled.
package fvs

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

var fvsLogger = logrus.WithField("source", "hvcore/fvs")

// FastViewSwitchLeaf is the vmfunc leaf number the core reserves for
// EPTP switching.
const FastViewSwitchLeaf = 0

// entriesPerList is the number of 8-byte EPTP slots in one 4 KiB
// VMFUNC_EPTP_LIST_ADDRESS page.
const entriesPerList = 512

// PageAllocator is the collaborator used to obtain the host-physical
// page backing one CPU's EPTP list.
type PageAllocator interface {
	AllocPage() (addr.HPA, error)
	WriteEntries(page addr.HPA, words [entriesPerList]uint64) error
}

// VMCSWriter installs the per-CPU VMFUNC control bit and EPTP-list
// address; it is a narrow slice of hwabi.VMX so this package doesn't
// need the whole VMX surface.
type VMCSWriter interface {
	EnableVMFunc(eptpListPage addr.HPA) error
	DisableVMFunc() error
}

// CPUView is one host CPU's FVS state: its EPTP list page and a cached
// copy of the list contents (zero entries are "unpopulated").
type CPUView struct {
	mu       sync.Mutex
	listPage addr.HPA
	entries  [entriesPerList]uint64
	enabled  bool
}

// Engine owns every host CPU's FVS state for one guest.
type Engine struct {
	pa PageAllocator

	mu    sync.RWMutex
	cpus  map[int]*CPUView
	vmcss map[int]VMCSWriter
}

// NewEngine constructs an FVS engine backed by pa for page allocation.
func NewEngine(pa PageAllocator) *Engine {
	return &Engine{pa: pa, cpus: make(map[int]*CPUView), vmcss: make(map[int]VMCSWriter)}
}

// RegisterCPU associates a host CPU with the VMCSWriter used to
// enable/disable VMFUNC on it.
func (e *Engine) RegisterCPU(cpuID int, vmcs VMCSWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vmcss[cpuID] = vmcs
	if _, ok := e.cpus[cpuID]; !ok {
		e.cpus[cpuID] = &CPUView{}
	}
}

func (e *Engine) viewFor(cpuID int) (*CPUView, VMCSWriter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.cpus[cpuID]
	if !ok {
		return nil, nil, errors.Errorf("fvs: cpu %d not registered", cpuID)
	}
	vmcs, ok := e.vmcss[cpuID]
	if !ok {
		return nil, nil, errors.Errorf("fvs: cpu %d has no VMCS writer", cpuID)
	}
	return v, vmcs, nil
}

// EnableSingleCPU allocates (if needed) cpuID's EPTP list, writes
// defaultEPTP into slot 0 (the view every gcpu starts on), and turns
// on VMFUNC_CONTROL for function 0.
func (e *Engine) EnableSingleCPU(cpuID int, defaultEPTP uint64) error {
	v, vmcs, err := e.viewFor(cpuID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listPage == 0 {
		page, err := e.pa.AllocPage()
		if err != nil {
			return errors.Wrap(err, "fvs: allocate EPTP list page")
		}
		v.listPage = page
	}
	v.entries[0] = defaultEPTP
	if err := e.pa.WriteEntries(v.listPage, v.entries); err != nil {
		return err
	}
	if err := vmcs.EnableVMFunc(v.listPage); err != nil {
		return err
	}
	v.enabled = true
	return nil
}

// DisableSingleCPU turns off VMFUNC_CONTROL on cpuID; the list page
// and its contents are left intact so a later Enable resumes state.
func (e *Engine) DisableSingleCPU(cpuID int) error {
	v, vmcs, err := e.viewFor(cpuID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := vmcs.DisableVMFunc(); err != nil {
		return err
	}
	v.enabled = false
	return nil
}

// EnableAll/DisableAll are the global (all-CPU, synchronous IPI)
// forms of Enable/DisableSingleCPU; ipc is the caller's broadcast
// primitive (internal/sched.IPC in production).
func (e *Engine) EnableAll(cpus []int, defaultEPTP uint64, ipc func(cpus []int, fn func(cpuID int) error) error) error {
	return ipc(cpus, func(cpuID int) error { return e.EnableSingleCPU(cpuID, defaultEPTP) })
}

func (e *Engine) DisableAll(cpus []int, ipc func(cpus []int, fn func(cpuID int) error) error) error {
	return ipc(cpus, func(cpuID int) error { return e.DisableSingleCPU(cpuID) })
}

// UpdateEntryInList updates an already-populated EPTP-list slot;
// spec.md §4.3 is explicit that this never creates a new entry — a
// zero (unpopulated) slot always returns an error.
func (e *Engine) UpdateEntryInList(cpuID int, index int, eptp uint64) error {
	if index < 0 || index >= entriesPerList {
		return errors.Errorf("fvs: view index %d out of range", index)
	}
	v, _, err := e.viewFor(cpuID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.entries[index] == 0 {
		return errors.Errorf("fvs: view index %d is not populated", index)
	}
	v.entries[index] = eptp
	return e.pa.WriteEntries(v.listPage, v.entries)
}

// AddEntry populates a previously-unpopulated EPTP-list slot, per-CPU
// or (by being called once per CPU) globally. Spec.md scenario 3 calls
// this before the CPU's list page has ever been allocated (FVS not yet
// enabled); in that case the entry is cached in v.entries and flushed
// to hardware later by EnableSingleCPU, not written out now.
func (e *Engine) AddEntry(cpuID int, index int, eptp uint64) error {
	if index < 0 || index >= entriesPerList {
		return errors.Errorf("fvs: view index %d out of range", index)
	}
	v, _, err := e.viewFor(cpuID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[index] = eptp
	if v.listPage == 0 {
		return nil
	}
	return e.pa.WriteEntries(v.listPage, v.entries)
}

// ViewSwitchAction reports what the core must do after a VMFUNC exit
// with rax == FastViewSwitchLeaf: either switch to a validated view or
// raise an invalid-switch report event. Both cases still skip the
// vmfunc instruction and resume — a fast view switch never injects a
// fault automatically.
type ViewSwitchAction struct {
	Valid  bool
	NewEPT uint64
}

// HandleVMFuncSwitch implements the vmfunc(0) VM-exit path: reads the
// target view index from the simulated rcx, validates the
// corresponding EPTP-list entry is nonzero, and reports the new EPTP
// to load into VMCS EPTP_ADDRESS.
func (e *Engine) HandleVMFuncSwitch(cpuID int, targetIndex uint64) (ViewSwitchAction, error) {
	if targetIndex >= entriesPerList {
		fvsLogger.WithField("index", targetIndex).Warn("INVALID_FAST_VIEW_SWITCH: index out of range")
		return ViewSwitchAction{}, nil
	}
	v, _, err := e.viewFor(cpuID)
	if err != nil {
		return ViewSwitchAction{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	eptp := v.entries[targetIndex]
	if eptp == 0 {
		fvsLogger.WithField("index", targetIndex).Warn("INVALID_FAST_VIEW_SWITCH: unpopulated view")
		return ViewSwitchAction{}, nil
	}
	return ViewSwitchAction{Valid: true, NewEPT: eptp}, nil
}
