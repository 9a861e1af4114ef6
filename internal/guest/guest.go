// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/events"
)

var guestLogger = logrus.WithField("source", "hvcore/guest")

// Policy is the immutable, value-copied configuration snapshot every
// guest is constructed with (spec.md §4.12's expansion of the
// distilled spec's "Glue" row): cpu affinity, debug verbosity,
// feature toggles, EPT super-page policy. Mirrors kata's
// HypervisorConfig value-copy-on-create discipline -- a Guest never
// shares a pointer to the struct that created it.
type Policy struct {
	DebugVerbosity         int
	EnableFVS              bool
	EnableSoftVE           bool
	VirtualizeCacheDisable bool
	SuperPageLevels        []int
}

// AffinityBitmap is a guest's cpu-affinity bitmap; bit i set means the
// guest may run on host cpu i. A nil/all-zero map with All set
// means "all cpus" (spec.md §6: "cpu-affinity bitmap (or -1 = all)").
type AffinityBitmap struct {
	All  bool
	Bits uint64
}

// Allows reports whether cpuID is in the affinity set.
func (a AffinityBitmap) Allows(cpuID int) bool {
	if a.All {
		return true
	}
	if cpuID < 0 || cpuID >= 64 {
		return false
	}
	return a.Bits&(1<<uint(cpuID)) != 0
}

// Guest is the collection of gcpus, policy, GPM and event/MSR filter
// list spec.md §3 describes. Created by Register, destroyed only at
// teardown; identified by a stable small integer id allocated
// monotonically by a Registry.
type Guest struct {
	ID       int
	Magic    uint32
	Affinity AffinityBitmap
	Policy   Policy

	StartupGPM *GPM

	mu       sync.Mutex
	vcpuIDs  []int // guest_cpu_id values owned by this guest, in creation order
	msrFilter map[uint32]bool

	Events *events.Bus
}

// AddVCPU records gcpuID as owned by g, in creation order.
func (g *Guest) AddVCPU(gcpuID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vcpuIDs = append(g.vcpuIDs, gcpuID)
}

// VCPUs returns the guest's owned gcpu ids in creation order.
func (g *Guest) VCPUs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.vcpuIDs...)
}

// FilterMSR marks msr as one this guest intercepts rather than passes
// through to hardware (the "MSR filter list" of spec.md §3).
func (g *Guest) FilterMSR(msr uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.msrFilter == nil {
		g.msrFilter = make(map[uint32]bool)
	}
	g.msrFilter[msr] = true
}

// MSRFiltered reports whether msr is on this guest's filter list.
func (g *Guest) MSRFiltered(msr uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.msrFilter[msr]
}

// Registry allocates monotonically increasing guest ids and owns every
// live Guest (spec.md §3: "A guest is identified by a stable small
// integer id allocated monotonically... Created by guest_register,
// destroyed only at teardown").
type Registry struct {
	mu     sync.Mutex
	nextID int
	guests map[int]*Guest
}

// NewRegistry constructs an empty guest registry.
func NewRegistry() *Registry {
	return &Registry{guests: make(map[int]*Guest)}
}

// Register allocates a new guest id and constructs the Guest, per
// guest_register. startupGPM is the guest's immutable construction-time
// GPM (spec.md §3's "startup GPM").
func (r *Registry) Register(magic uint32, affinity AffinityBitmap, policy Policy, startupGPM *GPM) (*Guest, error) {
	if startupGPM == nil {
		return nil, errors.New("guest: Register requires a non-nil startup GPM")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	g := &Guest{
		ID:         id,
		Magic:      magic,
		Affinity:   affinity,
		Policy:     policy,
		StartupGPM: startupGPM,
		Events:     events.NewBus(),
	}
	r.guests[id] = g
	guestLogger.WithFields(logrus.Fields{"guest_id": id, "magic": magic}).Info("guest registered")
	return g, nil
}

// Lookup returns the guest with id, if live.
func (r *Registry) Lookup(id int) (*Guest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guests[id]
	return g, ok
}

// Teardown removes id from the registry. The Guest value itself is not
// otherwise reclaimed here; callers are responsible for releasing the
// gcpu/EPT/FVS resources it owned before calling Teardown.
func (r *Registry) Teardown(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guests, id)
	guestLogger.WithField("guest_id", id).Info("guest torn down")
}

// All returns every currently-registered guest, in unspecified order.
func (r *Registry) All() []*Guest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Guest, 0, len(r.guests))
	for _, g := range r.guests {
		out = append(out, g)
	}
	return out
}
