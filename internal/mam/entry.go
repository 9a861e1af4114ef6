// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

import (
	"sync/atomic"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

// mapping is the unpacked, convenient view of one entry: either a
// present leaf (target+attrs), an absent leaf (reason), or an inner
// entry (sub != nil, checked separately on packedEntry).
type mapping struct {
	present bool
	leaf    bool
	kind    Kind
	target  addr.HPA
	attrs   Attrs
	reason  Reason
}

// packedEntry is one 512th of a table. Real hardware entries are a
// single 64-bit word; this mirrors spec.md §5's seqlock discipline
// deliberately: target and attrs live in a *separate* word from the
// present/leaf/kind/reason metadata, so a reader that samples them on
// either side of a concurrent writer's update can only ever observe a
// self-consistent (pre, pre) or (post, post) pair -- never meta from
// one generation and data from another -- as long as it also checks
// the tree-wide update counter (see seqlock.go).
type packedEntry struct {
	meta atomic.Uint64
	data atomic.Uint64
	sub  atomic.Pointer[table]
}

const (
	metaPresentBit = 1 << 0
	metaLeafBit    = 1 << 1
	metaKindShift  = 2
	metaKindMask   = 0x3
	metaReasonShift = 4
	metaReasonMask  = uint64(0x7FFFFFFF)
)

func packMeta(present, leaf bool, kind Kind, reason Reason) uint64 {
	var m uint64
	if present {
		m |= metaPresentBit
	}
	if leaf {
		m |= metaLeafBit
	}
	m |= uint64(kind&metaKindMask) << metaKindShift
	m |= (uint64(reason) & metaReasonMask) << metaReasonShift
	return m
}

func unpackMeta(m uint64) (present, leaf bool, kind Kind, reason Reason) {
	present = m&metaPresentBit != 0
	leaf = m&metaLeafBit != 0
	kind = Kind((m >> metaKindShift) & metaKindMask)
	reason = Reason((m >> metaReasonShift) & metaReasonMask)
	return
}

func packData(target addr.HPA, attrs Attrs) uint64 {
	pfn := uint64(target) >> addr.PageShift
	return (pfn << attrsPackedBits) | uint64(attrs)&((1<<attrsPackedBits)-1)
}

func unpackData(d uint64) (addr.HPA, Attrs) {
	pfn := d >> attrsPackedBits
	attrs := Attrs(d & ((1 << attrsPackedBits) - 1))
	return addr.HPA(pfn << addr.PageShift), attrs
}

// store sets the entry to m, clearing any prior sub-table pointer.
func (e *packedEntry) store(m mapping) {
	e.sub.Store(nil)
	e.meta.Store(packMeta(m.present, m.leaf, m.kind, m.reason))
	e.data.Store(packData(m.target, m.attrs))
}

// storeInner marks the entry as an inner (non-leaf) node pointing at sub.
func (e *packedEntry) storeInner(kind Kind, sub *table) {
	e.meta.Store(packMeta(true, false, kind, ReasonSuccess))
	e.data.Store(0)
	e.sub.Store(sub)
}

// load reads meta then data; callers performing a seqlock-protected
// read must additionally validate the tree-wide counter around this.
func (e *packedEntry) load() mapping {
	m := e.meta.Load()
	present, leaf, kind, reason := unpackMeta(m)
	d := e.data.Load()
	target, attrs := unpackData(d)
	return mapping{present: present, leaf: leaf, kind: kind, target: target, attrs: attrs, reason: reason}
}

func (e *packedEntry) isInner() bool {
	m := e.meta.Load()
	present, leaf, _, _ := unpackMeta(m)
	return present && !leaf
}

func (e *packedEntry) subtable() *table {
	return e.sub.Load()
}
