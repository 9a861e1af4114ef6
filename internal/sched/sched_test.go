// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testifyassert "github.com/stretchr/testify/assert"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/gcpu"
)

func TestSchedulerAssignAndLookup(t *testing.T) {
	assert := assert.New(t)
	s := NewScheduler(4)

	g0 := gcpu.New(0)
	assert.NoError(s.Assign(2, g0))

	host, ok := s.HostCPUFor(0)
	assert.True(ok)
	assert.Equal(2, host)

	id, ok := s.GCPUIDFor(2)
	assert.True(ok)
	assert.Equal(0, id)

	assert.Same(g0, s.ActiveGCPU(2))

	// Re-assigning to a different host cpu clears the stale binding.
	assert.NoError(s.Assign(3, g0))
	_, ok = s.GCPUIDFor(2)
	assert.False(ok)
	host, ok = s.HostCPUFor(0)
	assert.True(ok)
	assert.Equal(3, host)
}

func TestSchedulerAssignOutOfRange(t *testing.T) {
	assert := assert.New(t)
	s := NewScheduler(2)
	assert.Error(s.Assign(5, gcpu.New(0)))
}

func TestIPCBroadcastRunsEveryRecipient(t *testing.T) {
	assert := assert.New(t)
	ipc := NewIPC(func() int { return 0 })
	ipc.RegisterCPU(0)
	ipc.RegisterCPU(1)
	ipc.RegisterCPU(2)

	var count int32
	err := ipc.ExecuteSync(Destination{Kind: DestAllExcludingSelf}, func(cpuID int) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	assert.NoError(err)
	assert.EqualValues(2, count) // cpus 1 and 2, excluding self (0)
}

func TestIPCExecuteSyncAggregatesErrors(t *testing.T) {
	assert := assert.New(t)
	ipc := NewIPC(func() int { return -1 })
	err := ipc.ExecuteSync(Destination{Kind: DestCPU, CPU: 1}, func(cpuID int) error {
		return testifyassert.AnError
	})
	assert.Error(err)
}

func TestLaunchFlagReleasesWaiters(t *testing.T) {
	flag := &LaunchFlag{}
	done := make(chan struct{})
	go func() {
		flag.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Raise")
	case <-time.After(20 * time.Millisecond):
	}

	flag.Raise()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Raise")
	}
}

func TestStopAllBarrierReleasesAfterCheckIns(t *testing.T) {
	assert := assert.New(t)
	b := NewStopAllBarrier(2)

	released := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			b.CheckIn()
			b.WaitForRelease()
			released <- struct{}{}
		}()
	}

	b.WaitForAllCheckedIn()
	b.Release()

	for i := 0; i < 2; i++ {
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("barrier did not release all waiters")
		}
	}
	assert.NotPanics(func() { b.Release() })
}

func TestAPsLaunchedCounter(t *testing.T) {
	c := NewAPsLaunchedCounter(2)
	done := make(chan struct{})
	go func() {
		c.WaitForAll()
		close(done)
	}()

	c.MarkLaunched()
	select {
	case <-done:
		t.Fatal("WaitForAll returned before all APs launched")
	case <-time.After(20 * time.Millisecond):
	}
	c.MarkLaunched()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForAll did not return after all APs launched")
	}
}

func TestBootSequence(t *testing.T) {
	assert := assert.New(t)
	launch := &LaunchFlag{}
	counter := NewAPsLaunchedCounter(1)

	var discovered, constructed bool
	var entries []int
	hooks := BootHooks{
		DiscoverCapabilities: func() error { discovered = true; return nil },
		ConstructGuests:      func() error { constructed = true; return nil },
		FirstVMEntry:         func(hostCPU int) error { entries = append(entries, hostCPU); return nil },
	}

	apDone := make(chan struct{})
	go func() {
		assert.NoError(RunAP(hooks, launch, counter, 1))
		close(apDone)
	}()

	assert.NoError(RunBSP(hooks, launch, 0))
	assert.True(discovered)
	assert.True(constructed)
	assert.True(launch.Raised())

	<-apDone
	counter.WaitForAll()
	assert.ElementsMatch([]int{0, 1}, entries)
}
