// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ept

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/mam"
)

var eptLogger = logrus.WithField("source", "hvcore/ept")

var eptTracer = otel.Tracer("hvcore/ept")

// ModKind selects how EndGPMModificationBeforeCPUsResumed reconciles
// hardware EPT state with a GPM mutation that already landed in the
// generic MAM tree.
type ModKind int

const (
	// ModUpdate means the tree's existing EPT rendering is still valid
	// in shape; every CPU just needs a context-wide INVEPT.
	ModUpdate ModKind = iota
	// ModRecreate means the default EPT must be rebuilt from the tree
	// and the new EPTP broadcast to every CPU.
	ModRecreate
)

// ActiveEPT is the per-gcpu EPT root currently loaded into VMCS
// EPT_POINTER.
type ActiveEPT struct {
	Root addr.HPA
	GAW  mam.GAWLevel
}

// Engine owns one guest's default EPT, every owned gcpu's active EPT
// root, and the reentrant lock serializing structural EPT mutation
// (spec.md §4.2).
type Engine struct {
	vmx        hwabi.VMX
	pr         mam.PageRenderer
	superPages map[int]bool
	gaw        mam.GAWLevel
	hwVE       bool
	memType    mam.Attrs

	lock *reentrantLock

	mu          sync.RWMutex
	defaultRoot addr.HPA
	active      map[int]ActiveEPT
	suspended   map[int]ActiveEPT // saved active root while the emulator runs the guest
}

// NewEngine constructs an EPT engine for one guest. superPages and gaw
// come from vmcs.Capabilities; memType is the preferred EPT paging
// memory type (normally the first entry of EMTPreferenceOrder the
// platform actually advertises).
func NewEngine(vmx hwabi.VMX, pr mam.PageRenderer, superPages map[int]bool, gaw mam.GAWLevel, hwVE bool, memType mam.Attrs) *Engine {
	return &Engine{
		vmx:        vmx,
		pr:         pr,
		superPages: superPages,
		gaw:        gaw,
		hwVE:       hwVE,
		memType:    memType,
		lock:       newReentrantLock(),
		active:     make(map[int]ActiveEPT),
		suspended:  make(map[int]ActiveEPT),
	}
}

// BuildDefault renders tree as the guest's default EPT, replacing any
// previous default root. Callers hold the engine lock across this and
// the CPU-stop barrier per the GPM modification protocol.
func (e *Engine) BuildDefault(tree *mam.Tree) (addr.HPA, error) {
	root, ok := tree.ConvertToEPT(e.pr, e.superPages, e.gaw, e.hwVE)
	if !ok {
		return 0, errors.New("ept: failed to render default EPT")
	}
	e.mu.Lock()
	e.defaultRoot = root
	e.mu.Unlock()
	return root, nil
}

// DefaultRoot returns the guest's current default EPT root.
func (e *Engine) DefaultRoot() addr.HPA {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultRoot
}

// ActivateDefault loads the default EPT as gcpuID's active view —
// normal steady-state, and the target of an FVS view switch back to
// view 0.
func (e *Engine) ActivateDefault(gcpuID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[gcpuID] = ActiveEPT{Root: e.defaultRoot, GAW: e.gaw}
}

// SetActive installs an arbitrary EPT root as gcpuID's active view
// (used by FVS view switches).
func (e *Engine) SetActive(gcpuID int, root addr.HPA) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[gcpuID] = ActiveEPT{Root: root, GAW: e.gaw}
}

// Active returns gcpuID's currently active EPT root.
func (e *Engine) Active(gcpuID int) (ActiveEPT, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.active[gcpuID]
	return a, ok
}

// EPTP computes the EPTP register value for a.
func (e *Engine) EPTP(a ActiveEPT) uint64 {
	return ComputeEPTP(uint64(a.Root), a.GAW, e.memType)
}

// Lock acquires the engine's reentrant lock on behalf of cpuID.
func (e *Engine) Lock(cpuID int) { e.lock.Lock(cpuID) }

// Unlock releases one level of cpuID's hold on the engine lock.
func (e *Engine) Unlock(cpuID int) { e.lock.Unlock(cpuID) }

// BeginGPMModificationBeforeCPUsStopped is phase 1 of the three-phase
// GPM modification protocol: acquire the engine lock on the local CPU
// before the caller stops every other CPU via the IPC barrier.
func (e *Engine) BeginGPMModificationBeforeCPUsStopped(cpuID int) {
	e.Lock(cpuID)
}

// EndGPMModificationBeforeCPUsResumed is phase 3: called once every
// CPU is stopped. ModUpdate invalidates the existing EPT context-wide
// on every listed CPU; ModRecreate rebuilds the default EPT from tree
// and reactivates it on every listed CPU.
func (e *Engine) EndGPMModificationBeforeCPUsResumed(mode ModKind, tree *mam.Tree, cpus []int) (err error) {
	_, span := eptTracer.Start(context.Background(), "ept.GPMModificationBarrier",
		trace.WithAttributes(attribute.Int("cpu_count", len(cpus))))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	switch mode {
	case ModRecreate:
		if _, err := e.BuildDefault(tree); err != nil {
			return err
		}
		for _, c := range cpus {
			e.ActivateDefault(c)
			if a, ok := e.Active(c); ok {
				if err := e.invalidateContextWide(e.EPTP(a)); err != nil {
					return err
				}
			}
		}
	case ModUpdate:
		for _, c := range cpus {
			if a, ok := e.Active(c); ok {
				if err := e.invalidateContextWide(e.EPTP(a)); err != nil {
					return err
				}
			}
		}
	default:
		return errors.Errorf("ept: unknown GPM modification mode %d", mode)
	}
	return nil
}

// EndGPMModificationAfterCPUsResumed is phase 4: releases the engine
// lock once every CPU has resumed.
func (e *Engine) EndGPMModificationAfterCPUsResumed(cpuID int) {
	e.Unlock(cpuID)
}

// invalidateContextWide issues an INVEPT at the most-preferred mode
// the hardware advertises (individual-address, context-wide,
// all-contexts, in that order, per spec.md §4.2), falling back to a
// coarser mode if the preferred one is unavailable.
func (e *Engine) invalidateContextWide(eptp uint64) error {
	mode, ok := chooseInveptMode(e.vmx.InveptModes())
	if !ok {
		return errors.New("ept: no INVEPT mode supported by hardware")
	}
	return e.vmx.Invept(mode, eptp)
}

var inveptPreference = []hwabi.InvMode{
	hwabi.InvIndividualAddress,
	hwabi.InvSingleContext,
	hwabi.InvAllContexts,
}

var invvpidPreference = []hwabi.InvMode{
	hwabi.InvIndividualAddress,
	hwabi.InvSingleContext,
	hwabi.InvAllContexts,
}

func chooseInveptMode(available []hwabi.InvMode) (hwabi.InvMode, bool) {
	return chooseMode(inveptPreference, available)
}

func chooseInvvpidMode(available []hwabi.InvMode) (hwabi.InvMode, bool) {
	return chooseMode(invvpidPreference, available)
}

func chooseMode(preference, available []hwabi.InvMode) (hwabi.InvMode, bool) {
	for _, want := range preference {
		for _, have := range available {
			if want == have {
				return want, true
			}
		}
	}
	return 0, false
}
