// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ept

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/mam"
)

func newTestEngine(t *testing.T) (*Engine, *hwabi.SimVMX, *mam.Tree) {
	t.Helper()
	arena, err := hwabi.NewSimArena(16 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })

	mp := hwabi.NewSimMemoryProvider(arena)
	pr := hwabi.NewSimPageRenderer(mp, arena)
	vmx := hwabi.NewSimVMX(
		[]hwabi.InvMode{hwabi.InvSingleContext, hwabi.InvAllContexts},
		[]hwabi.InvMode{hwabi.InvIndividualAddress, hwabi.InvSingleContext},
	)

	tree := mam.Create(0)
	assert.New(t).True(tree.InsertRange(0, 0, 0, 2*1024*1024, mam.AttrWritable|mam.AttrExec))

	e := NewEngine(vmx, pr, nil, mam.GAW39, false, mam.EMTWriteBack)
	return e, vmx, tree
}

func TestComputeEPTPLayout(t *testing.T) {
	assert := assert.New(t)
	eptp := ComputeEPTP(0x1234000, mam.GAW39, mam.EMTWriteBack)
	assert.Equal(uint64(mam.EMTWriteBack), eptp&0x7)
	assert.Equal(uint64(mam.GAW39), (eptp>>3)&0x7)
	assert.Equal(uint64(0x1234000), eptp&^0xFFF)
}

func TestBuildDefaultAndActivate(t *testing.T) {
	assert := assert.New(t)
	e, _, tree := newTestEngine(t)

	root, err := e.BuildDefault(tree)
	assert.NoError(err)
	assert.NotZero(root)
	assert.Equal(root, e.DefaultRoot())

	e.ActivateDefault(7)
	a, ok := e.Active(7)
	assert.True(ok)
	assert.Equal(root, a.Root)
}

func TestGPMModificationProtocolRecreate(t *testing.T) {
	assert := assert.New(t)
	e, vmx, tree := newTestEngine(t)

	_, err := e.BuildDefault(tree)
	assert.NoError(err)
	e.ActivateDefault(0)

	e.BeginGPMModificationBeforeCPUsStopped(0)
	assert.True(tree.InsertRange(0, 0x400000, 0x500000, addr.PageSize, mam.AttrWritable))
	assert.NoError(e.EndGPMModificationBeforeCPUsResumed(ModRecreate, tree, []int{0}))
	e.EndGPMModificationAfterCPUsResumed(0)

	assert.Len(vmx.InveptCalls, 1)
	assert.Equal(hwabi.InvSingleContext, vmx.InveptCalls[0].Mode)
}

func TestGPMModificationProtocolUpdate(t *testing.T) {
	assert := assert.New(t)
	e, vmx, tree := newTestEngine(t)
	_, err := e.BuildDefault(tree)
	assert.NoError(err)
	e.ActivateDefault(1)

	e.BeginGPMModificationBeforeCPUsStopped(1)
	assert.NoError(e.EndGPMModificationBeforeCPUsResumed(ModUpdate, tree, []int{1}))
	e.EndGPMModificationAfterCPUsResumed(1)

	assert.Len(vmx.InveptCalls, 1)
}

func TestReentrantLockSameCPU(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := newTestEngine(t)

	e.Lock(3)
	e.Lock(3) // reentrant: must not deadlock
	e.Unlock(3)
	e.Unlock(3)

	// A third, unbalanced Unlock by the same CPU should now panic since
	// the lock is no longer held.
	assert.Panics(func() { e.Unlock(3) })
}

func TestAfterGuestCR0WriteEnablesEPTOnPGRisingEdgeWithoutUG(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := newTestEngine(t)

	const cr0PEOnly = uint64(0x1)
	const cr0PEAndPG = cr0PEOnly | cr0PG

	a := e.AfterGuestCR0Write(false, true, cr0PEOnly, cr0PEAndPG)
	assert.True(a.EnableEPT)
	assert.True(a.ReloadPDPTEs)

	// Unrestricted Guest supported: no action needed.
	a2 := e.AfterGuestCR0Write(true, true, cr0PEOnly, cr0PEAndPG)
	assert.False(a2.EnableEPT)

	// No rising edge: no action.
	a3 := e.AfterGuestCR0Write(false, true, cr0PEAndPG, cr0PEAndPG)
	assert.False(a3.EnableEPT)
}

func TestAfterGuestCR3WriteFlushesVPID(t *testing.T) {
	assert := assert.New(t)
	e, vmx, _ := newTestEngine(t)

	a, err := e.AfterGuestCR3Write(5, 0, true, true)
	assert.NoError(err)
	assert.True(a.ReloadPDPTEs)
	assert.Len(vmx.InvvpidCalls, 1)
	assert.Equal(hwabi.InvIndividualAddress, vmx.InvvpidCalls[0].Mode)
	assert.EqualValues(5, vmx.InvvpidCalls[0].VPID)
}

func TestEmulatorEnterLeaveRestoresActiveView(t *testing.T) {
	assert := assert.New(t)
	e, _, tree := newTestEngine(t)
	root, err := e.BuildDefault(tree)
	assert.NoError(err)
	e.ActivateDefault(2)

	e.EmulatorAsGuestEnter(2)
	_, ok := e.Active(2)
	assert.False(ok)

	e.EmulatorAsGuestLeave(2)
	a, ok := e.Active(2)
	assert.True(ok)
	assert.Equal(root, a.Root)
}

func TestHandleEPTViolationNMIUnblockingHeuristic(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := newTestEngine(t)

	assert.True(e.HandleEPTViolation(false, true).SetBlockNMI)
	assert.False(e.HandleEPTViolation(true, true).SetBlockNMI)
	assert.False(e.HandleEPTViolation(false, false).SetBlockNMI)
}

func TestHandleEPTMisconfigurationHalts(t *testing.T) {
	e, _, _ := newTestEngine(t)

	defer func() {
		r := recover()
		if _, ok := hwabi.RecoverHalt(r); !ok {
			t.Fatalf("expected a simulated halt panic, got %v", r)
		}
	}()
	e.HandleEPTMisconfiguration(0xdead000, addr.GPA(0x1000), hwabi.SimHalter{})
	t.Fatal("HandleEPTMisconfiguration returned instead of halting")
}
