// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

import "github.com/kata-containers/kata-containers/src/hvcore/internal/addr"

// QueryResult is the unpacked result of GetMapping.
type QueryResult struct {
	Present bool
	Target  addr.HPA
	Attrs   Attrs
	Reason  Reason
}

// GetMapping performs a single-address lookup. It is lock-free and
// safe to call concurrently with a writer mutating the same tree on a
// different (simulated) host CPU, per spec.md §4.1/§5: the walk
// retries if the tree-wide update counter indicates a conflicting
// write was in flight.
func (t *Tree) GetMapping(cpuID int, src addr.GPA) QueryResult {
	for {
		seq, sameCPU := t.readSeq(cpuID)
		result := t.walkOnce(src)
		if !t.readSeqRetry(seq, sameCPU) {
			return result
		}
	}
}

func (t *Tree) walkOnce(src addr.GPA) QueryResult {
	root, rootLevel := t.loadRoot()
	if uint64(src) >= levelEntryCoverage(rootLevel)*entriesPerTable {
		return QueryResult{Present: false, Reason: ReasonUnknown}
	}

	tb, tableBase, level := root, addr.GPA(0), rootLevel
	for {
		i := entryIndex(src, level, tableBase)
		e := &tb.entries[i]
		if sub := e.subtable(); sub != nil {
			tableBase = tableBase + addr.GPA(uint64(i)*levelEntryCoverage(level))
			tb = sub
			level--
			continue
		}
		m := e.load()
		if !m.present {
			return QueryResult{Present: false, Reason: m.reason}
		}
		cov := levelEntryCoverage(level)
		entBase := tableBase + addr.GPA(uint64(i)*cov)
		off := uint64(src - entBase)
		return QueryResult{Present: true, Target: addr.HPA(uint64(m.target) + off), Attrs: m.attrs}
	}
}
