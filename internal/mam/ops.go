// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

import "github.com/kata-containers/kata-containers/src/hvcore/internal/addr"

func validRange(src addr.GPA, size uint64) bool {
	return addr.SizeAligned(size) && src.PageAligned() && uint64(src)+size <= (uint64(1)<<maxAddressBits)
}

// mutate runs fn under the write lock and seqlock protection, turning
// a simulated out-of-memory panic into a false return. Per spec.md
// §4.1, a false return may still leave the tree partially but
// self-consistently mutated; recovery is the caller's responsibility.
func (t *Tree) mutate(cpuID int, fn func()) (ok bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.beginWrite(cpuID)
	defer t.endWrite()

	ok = true
	defer func() {
		if r := recover(); r != nil {
			if _, isOOM := r.(outOfMemoryError); isOOM {
				mamLogger.Debug("mutation aborted: simulated allocator exhausted")
				ok = false
				return
			}
			panic(r)
		}
	}()
	fn()
	return
}

// InsertRange maps [src, src+size) to [tgt, tgt+size) with attrs,
// overwriting any prior mapping (spec.md §4.1).
func (t *Tree) InsertRange(cpuID int, src addr.GPA, tgt addr.HPA, size uint64, attrs Attrs) bool {
	if !validRange(src, size) || !tgt.PageAligned() {
		return false
	}
	return t.mutate(cpuID, func() {
		if !t.ensureRootCovers(src, size) {
			panic(outOfMemoryError{})
		}
		root, _ := t.loadRoot()
		t.writeRange(root, 0, src, size, func(base addr.GPA, cov uint64) mapping {
			off := uint64(base - src)
			return mapping{present: true, leaf: true, kind: KindInternal, target: addr.HPA(uint64(tgt) + off), attrs: attrs}
		})
	})
}

// InsertUnmappedRange records reason for [src, src+size), per
// spec.md §4.1. reason must be neither SUCCESS nor UNKNOWN.
func (t *Tree) InsertUnmappedRange(cpuID int, src addr.GPA, size uint64, reason Reason) bool {
	if !validRange(src, size) || !reason.Valid() {
		return false
	}
	return t.mutate(cpuID, func() {
		if !t.ensureRootCovers(src, size) {
			panic(outOfMemoryError{})
		}
		root, _ := t.loadRoot()
		t.writeRange(root, 0, src, size, func(base addr.GPA, cov uint64) mapping {
			return mapping{present: false, leaf: true, kind: KindInternal, reason: reason}
		})
	})
}

// permOp is shared by Add/Remove/OverwritePermissions: it walks the
// tree over [src, src+size), expanding any leaf that only partially
// overlaps the requested range so the update lands exactly on it, and
// applies combine to each covered page's current attrs.
func (t *Tree) permOp(cpuID int, src addr.GPA, size uint64, combine func(Attrs) Attrs) bool {
	if !validRange(src, size) {
		return false
	}
	return t.mutate(cpuID, func() {
		if !t.ensureRootCovers(src, size) {
			panic(outOfMemoryError{})
		}
		root, _ := t.loadRoot()
		t.updateAttrsRange(root, 0, src, size, combine)
	})
}

// updateAttrsRange walks down to exact page granularity wherever a
// leaf only partially overlaps [src, src+size), so attribute updates
// apply to precisely the requested range (spec.md §4.1:
// "expanding leaves as necessary to land on exactly the requested range").
func (t *Tree) updateAttrsRange(tb *table, tableBase addr.GPA, src addr.GPA, size uint64, combine func(Attrs) Attrs) {
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
		fullEntry := pos == entBase && segLen == cov

		e := &tb.entries[i]
		if fullEntry && !e.isInner() {
			m := e.load()
			if m.present {
				m.attrs = combine(m.attrs)
				e.store(m)
			}
		} else if tb.level == 1 {
			m := e.load()
			if m.present {
				m.attrs = combine(m.attrs)
				e.store(m)
			}
		} else {
			sub := t.ensureSubtable(tb, i)
			t.updateAttrsRange(sub, entBase, pos, segLen, combine)
			if collapsed, ok := t.tryRetract(sub); ok {
				tb.entries[i].store(collapsed)
			}
		}

		pos = segEnd
		remaining -= segLen
		i++
	}
}

// AddPermissions ORs extra into every page's attrs over the range.
func (t *Tree) AddPermissions(cpuID int, src addr.GPA, size uint64, extra Attrs) bool {
	return t.permOp(cpuID, src, size, func(a Attrs) Attrs { return a | extra })
}

// RemovePermissions clears remove from every page's attrs over the range.
func (t *Tree) RemovePermissions(cpuID int, src addr.GPA, size uint64, remove Attrs) bool {
	return t.permOp(cpuID, src, size, func(a Attrs) Attrs { return a &^ remove })
}

// OverwritePermissions replaces every page's attrs over the range.
func (t *Tree) OverwritePermissions(cpuID int, src addr.GPA, size uint64, attrs Attrs) bool {
	return t.permOp(cpuID, src, size, func(Attrs) Attrs { return attrs })
}
