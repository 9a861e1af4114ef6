// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// LaunchFlag is the AP-launch busy wait: spec.md §5 names it as one of
// only three suspension points permitted anywhere in VMM code. The BSP
// raises it once capability discovery and guest construction have
// completed; every AP spins on Wait until then.
type LaunchFlag struct {
	raised atomic.Bool
}

// Raise releases every AP waiting on this flag.
func (f *LaunchFlag) Raise() { f.raised.Store(true) }

// Wait busy-waits until Raise has been called.
func (f *LaunchFlag) Wait() {
	for !f.raised.Load() {
		runtime.Gosched()
	}
}

// Raised reports the flag's current state without blocking.
func (f *LaunchFlag) Raised() bool { return f.raised.Load() }

// APsLaunchedCounter is the second named suspension point: the BSP
// busy-waits on this counter until every AP has performed its first VM
// entry, so bootstrap doesn't report "up" before the whole fleet is
// live.
type APsLaunchedCounter struct {
	remaining atomic.Int32
}

// NewAPsLaunchedCounter starts a counter expecting numAPs check-ins.
func NewAPsLaunchedCounter(numAPs int) *APsLaunchedCounter {
	c := &APsLaunchedCounter{}
	c.remaining.Store(int32(numAPs))
	return c
}

// MarkLaunched records one AP's first VM entry.
func (c *APsLaunchedCounter) MarkLaunched() { c.remaining.Add(-1) }

// WaitForAll busy-waits until every expected AP has checked in.
func (c *APsLaunchedCounter) WaitForAll() {
	for c.remaining.Load() > 0 {
		runtime.Gosched()
	}
}

// StopAllBarrier is the third named suspension point: the GPM
// modification protocol's stop_all_cpus/start_all_cpus pair (spec.md
// §4.2, §5). Every remote gcpu calls CheckIn before the structural
// change proceeds; the initiator calls WaitForAllCheckedIn, performs
// the structural mutation and INVEPT broadcast, then Release wakes
// every checked-in cpu waiting in WaitForRelease.
type StopAllBarrier struct {
	wg       sync.WaitGroup
	once     sync.Once
	released chan struct{}
}

// NewStopAllBarrier constructs a barrier expecting n cpus to check in.
func NewStopAllBarrier(n int) *StopAllBarrier {
	b := &StopAllBarrier{released: make(chan struct{})}
	b.wg.Add(n)
	return b
}

// CheckIn records this cpu has reached the barrier and is parked.
func (b *StopAllBarrier) CheckIn() { b.wg.Done() }

// WaitForAllCheckedIn blocks the initiator until every expected cpu
// has called CheckIn.
func (b *StopAllBarrier) WaitForAllCheckedIn() { b.wg.Wait() }

// Release wakes every cpu parked in WaitForRelease. Idempotent: a
// second call is a no-op.
func (b *StopAllBarrier) Release() {
	b.once.Do(func() { close(b.released) })
}

// WaitForRelease parks a checked-in cpu until Release is called.
func (b *StopAllBarrier) WaitForRelease() { <-b.released }
