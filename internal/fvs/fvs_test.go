// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package fvs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

type fakePageAllocator struct {
	next  addr.HPA
	pages map[addr.HPA][entriesPerList]uint64
}

func newFakePageAllocator() *fakePageAllocator {
	return &fakePageAllocator{next: 0x1000, pages: make(map[addr.HPA][entriesPerList]uint64)}
}

func (f *fakePageAllocator) AllocPage() (addr.HPA, error) {
	p := f.next
	f.next += addr.PageSize
	return p, nil
}

func (f *fakePageAllocator) WriteEntries(page addr.HPA, words [entriesPerList]uint64) error {
	f.pages[page] = words
	return nil
}

type fakeVMCS struct {
	enabled  bool
	listPage addr.HPA
}

func (f *fakeVMCS) EnableVMFunc(eptpListPage addr.HPA) error {
	f.enabled = true
	f.listPage = eptpListPage
	return nil
}

func (f *fakeVMCS) DisableVMFunc() error {
	f.enabled = false
	return nil
}

func TestEnableSingleCPUWritesDefaultView(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcs := &fakeVMCS{}
	e.RegisterCPU(0, vmcs)

	assert.NoError(e.EnableSingleCPU(0, 0xDEAD000))
	assert.True(vmcs.enabled)
	assert.Equal(pa.pages[vmcs.listPage][0], uint64(0xDEAD000))
}

func TestUpdateEntryInListNeverCreates(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcs := &fakeVMCS{}
	e.RegisterCPU(0, vmcs)
	assert.NoError(e.EnableSingleCPU(0, 0x1000))

	// Slot 1 was never populated: update must fail.
	assert.Error(e.UpdateEntryInList(0, 1, 0x2000))

	// Slot 0 was populated by Enable: update succeeds.
	assert.NoError(e.UpdateEntryInList(0, 0, 0x3000))
	assert.Equal(uint64(0x3000), pa.pages[vmcs.listPage][0])
}

func TestAddEntryThenUpdate(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcs := &fakeVMCS{}
	e.RegisterCPU(0, vmcs)
	assert.NoError(e.EnableSingleCPU(0, 0x1000))

	assert.NoError(e.AddEntry(0, 3, 0x4000))
	assert.NoError(e.UpdateEntryInList(0, 3, 0x5000))
	assert.Equal(uint64(0x5000), pa.pages[vmcs.listPage][3])
}

func TestHandleVMFuncSwitchValidSwitch(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcs := &fakeVMCS{}
	e.RegisterCPU(0, vmcs)
	assert.NoError(e.EnableSingleCPU(0, 0x1000))
	assert.NoError(e.AddEntry(0, 2, 0x7000))

	a, err := e.HandleVMFuncSwitch(0, 2)
	assert.NoError(err)
	assert.True(a.Valid)
	assert.Equal(uint64(0x7000), a.NewEPT)
}

func TestHandleVMFuncSwitchInvalidIndexReportsNotFatal(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcs := &fakeVMCS{}
	e.RegisterCPU(0, vmcs)
	assert.NoError(e.EnableSingleCPU(0, 0x1000))

	a, err := e.HandleVMFuncSwitch(0, 99) // unpopulated slot
	assert.NoError(err)
	assert.False(a.Valid)

	a2, err := e.HandleVMFuncSwitch(0, uint64(entriesPerList+1)) // out of range
	assert.NoError(err)
	assert.False(a2.Valid)
}

func TestEnableAllDisableAllFanOut(t *testing.T) {
	assert := assert.New(t)
	pa := newFakePageAllocator()
	e := NewEngine(pa)
	vmcsByCPU := map[int]*fakeVMCS{0: {}, 1: {}, 2: {}}
	for cpu, v := range vmcsByCPU {
		e.RegisterCPU(cpu, v)
	}

	seqIPC := func(cpus []int, fn func(cpuID int) error) error {
		for _, c := range cpus {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	}

	assert.NoError(e.EnableAll([]int{0, 1, 2}, 0x9000, seqIPC))
	for _, v := range vmcsByCPU {
		assert.True(v.enabled)
	}

	assert.NoError(e.DisableAll([]int{0, 1, 2}, seqIPC))
	for _, v := range vmcsByCPU {
		assert.False(v.enabled)
	}
}
