// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package sched implements the scheduler/IPC/barrier layer spec.md §5
// names: the gcpu<->host-cpu binding table, the one lock-free datum
// (the per-host-cpu save-area pointer table) the entry/exit assembly
// reads directly, cross-cpu synchronous IPC, and the three busy-wait
// suspension points (AP launch flag, APs-launched counter, IPC
// broadcast barrier). Grounded on kata-containers' sandbox/container
// registry idiom (hypervisor.go's per-resource map-plus-mutex
// bookkeeping) generalized to a fixed host-cpu-indexed table, since the
// spec's "one OS-less physical CPU per core" model has no sandbox
// analogue in kata to imitate directly.
package sched

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/gcpu"
)

var schedLogger = logrus.WithField("source", "hvcore/sched")

// SaveAreaTable is the one datum spec.md §5 says "the entry/exit
// assembly reads without locking": a raw, retargetable table indexed
// by host cpu id. Get is a plain slice read with no synchronization,
// matching the spec's "only datum read without locking"; SwapIn is the
// sole mutator and is always called under the Scheduler's protection.
type SaveAreaTable struct {
	mu    sync.Mutex
	slots []*gcpu.GCPU
}

// NewSaveAreaTable allocates an empty table for numHostCPUs logical
// processors.
func NewSaveAreaTable(numHostCPUs int) *SaveAreaTable {
	return &SaveAreaTable{slots: make([]*gcpu.GCPU, numHostCPUs)}
}

// SwapIn retargets hostCPU's save-area pointer to g (gcpu_swap_in).
func (t *SaveAreaTable) SwapIn(hostCPU int, g *gcpu.GCPU) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hostCPU < 0 || hostCPU >= len(t.slots) {
		return errors.Errorf("sched: host cpu %d out of range", hostCPU)
	}
	t.slots[hostCPU] = g
	return nil
}

// Get reads hostCPU's currently-assigned gcpu, or nil if none. This is
// the lock-free read path the entry/exit assembly uses.
func (t *SaveAreaTable) Get(hostCPU int) *gcpu.GCPU {
	if hostCPU < 0 || hostCPU >= len(t.slots) {
		return nil
	}
	return t.slots[hostCPU]
}

// Scheduler maps gcpu<->host-cpu: at most one guest's gcpu is bound to
// a given physical cpu at a time (spec.md §5).
type Scheduler struct {
	mu         sync.RWMutex
	saveAreas  *SaveAreaTable
	hostToVCPU map[int]int
	vcpuToHost map[int]int
}

// NewScheduler constructs a scheduler over numHostCPUs logical
// processors.
func NewScheduler(numHostCPUs int) *Scheduler {
	return &Scheduler{
		saveAreas:  NewSaveAreaTable(numHostCPUs),
		hostToVCPU: make(map[int]int),
		vcpuToHost: make(map[int]int),
	}
}

// Assign binds g to hostCPU, retargeting the save-area table and
// clearing any stale binding g previously held on another host cpu.
func (s *Scheduler) Assign(hostCPU int, g *gcpu.GCPU) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveAreas.SwapIn(hostCPU, g); err != nil {
		return err
	}
	if prevHost, ok := s.vcpuToHost[g.ID]; ok && prevHost != hostCPU {
		delete(s.hostToVCPU, prevHost)
	}
	s.hostToVCPU[hostCPU] = g.ID
	s.vcpuToHost[g.ID] = hostCPU
	schedLogger.WithFields(logrus.Fields{"host_cpu": hostCPU, "gcpu_id": g.ID}).Debug("gcpu bound to host cpu")
	return nil
}

// HostCPUFor returns the host cpu gcpuID is currently bound to.
func (s *Scheduler) HostCPUFor(gcpuID int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.vcpuToHost[gcpuID]
	return c, ok
}

// GCPUIDFor returns the gcpu id currently bound to hostCPU.
func (s *Scheduler) GCPUIDFor(hostCPU int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hostToVCPU[hostCPU]
	return id, ok
}

// ActiveGCPU returns the gcpu currently bound to hostCPU via the
// lock-free save-area table.
func (s *Scheduler) ActiveGCPU(hostCPU int) *gcpu.GCPU {
	return s.saveAreas.Get(hostCPU)
}
