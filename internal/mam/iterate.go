// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

import "github.com/kata-containers/kata-containers/src/hvcore/internal/addr"

// Range is one maximal run of identically-mapped or identically-absent
// addresses, as produced by IterateRanges.
type Range struct {
	Base    addr.GPA
	Size    uint64
	Present bool
	Target  addr.HPA
	Attrs   Attrs
	Reason  Reason
}

// IterateRanges enumerates maximal runs of identical mapping across
// the whole tree (spec.md §4.1); the Convert* renderers walk the
// tables directly and do not use it. Design Note §9's "last_iterator/last_range_size"
// fields from the original are intentionally not reinstated here: no
// other operation in this spec reads iteration state across calls.
func (t *Tree) IterateRanges(cpuID int) []Range {
	var out []Range
	root, level := t.loadRoot()
	t.walkIterate(root, addr.GPA(0), level, &out)
	return out
}

func (t *Tree) walkIterate(tb *table, base addr.GPA, level int, out *[]Range) {
	cov := levelEntryCoverage(level)
	for i := 0; i < entriesPerTable; i++ {
		entBase := base + addr.GPA(uint64(i)*cov)
		e := &tb.entries[i]
		if sub := e.subtable(); sub != nil {
			t.walkIterate(sub, entBase, level-1, out)
			continue
		}
		m := e.load()
		r := Range{Base: entBase, Size: cov, Present: m.present, Target: m.target, Attrs: m.attrs, Reason: m.reason}
		if n := len(*out); n > 0 {
			last := &(*out)[n-1]
			if last.Base+addr.GPA(last.Size) == entBase && last.Present == m.present {
				if m.present && last.Attrs == m.attrs && last.Target+addr.HPA(last.Size) == m.target {
					last.Size += cov
					continue
				}
				if !m.present && last.Reason == m.reason {
					last.Size += cov
					continue
				}
			}
		}
		*out = append(*out, r)
	}
}
