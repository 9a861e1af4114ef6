// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guest implements the Guest entity (spec.md §3): ownership of
// a guest's gcpus, its GPM (guest physical map), policy snapshot and
// event/MSR filter list, plus guest_register's monotonic id allocation.
// Grounded on kata-containers' virtcontainers.Sandbox/Container
// resource-ownership idiom (a parent struct owning child resources and
// a stable id, constructed through a package-level registration
// function) generalized to the spec's guest/gcpu ownership model.
package guest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/mam"
)

// MMIORange is a GPA range the GPM reports as device MMIO rather than
// RAM, per spec.md §3 ("GPM: a MAM that maps GPA→HPA plus MMIO
// ranges").
type MMIORange struct {
	Base addr.GPA
	Size uint64
}

// GPM is a guest physical map: a mam.Tree plus the MMIO ranges carved
// out of it. The "startup GPM" is the immutable construction-time
// mapping; a gcpu's active_gpm is the current view, identical to
// startup unless a dynamic re-assignment occurs (not exercised by this
// core; spec.md's Non-goals exclude hot-plug).
type GPM struct {
	mu    sync.RWMutex
	tree  *mam.Tree
	mmio  []MMIORange
}

// NewGPM wraps tree as a guest physical map.
func NewGPM(tree *mam.Tree) *GPM {
	return &GPM{tree: tree}
}

// Tree returns the underlying MAM tree, for the EPT engine to render.
func (g *GPM) Tree() *mam.Tree { return g.tree }

// AddMMIORange records [base, base+size) as device MMIO. It does not
// itself remove any RAM mapping over the range; callers typically
// insert_unmapped_range the same range with a device-specific reason
// first.
func (g *GPM) AddMMIORange(base addr.GPA, size uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mmio = append(g.mmio, MMIORange{Base: base, Size: size})
}

// IsMMIO reports whether gpa falls inside a registered MMIO range.
func (g *GPM) IsMMIO(gpa addr.GPA) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.mmio {
		if uint64(gpa) >= uint64(r.Base) && uint64(gpa) < uint64(r.Base)+r.Size {
			return true
		}
	}
	return false
}

// ErrRangeNotAligned is returned by GPM construction helpers when a
// caller-supplied range isn't page aligned.
var ErrRangeNotAligned = errors.New("guest: range is not page-aligned")
