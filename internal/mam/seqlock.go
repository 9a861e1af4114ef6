// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

// noCPU marks the tree as having no writer in flight.
const noCPU = int32(-1)

// beginWrite marks the tree as being mutated by cpuID: the update
// counter goes to an odd value and the writer's identity is recorded,
// per spec.md §5.
func (t *Tree) beginWrite(cpuID int) {
	t.updateOnCPU.Store(int32(cpuID))
	t.updateCounter.Add(1) // now odd
}

// endWrite marks the mutation as complete: the counter returns to an
// even value.
func (t *Tree) endWrite() {
	t.updateCounter.Add(1) // now even
	t.updateOnCPU.Store(noCPU)
}

// readSeq snapshots the counter for a lock-free reader. A second call
// after the walk, compared via readSeqRetry, tells the reader whether
// it raced a writer on a different CPU.
func (t *Tree) readSeq(cpuID int) (seq uint32, sameCPU bool) {
	seq = t.updateCounter.Load()
	sameCPU = seq%2 == 1 && t.updateOnCPU.Load() == int32(cpuID)
	return
}

// readSeqRetry reports whether a reader that started at (seq, sameCPU)
// must retry its walk: either the counter moved, or it is still odd
// and belongs to a different CPU than the one observing it.
func (t *Tree) readSeqRetry(startSeq uint32, sameCPU bool) bool {
	if sameCPU {
		// Self-observation on the writer's own CPU is logically atomic
		// from that CPU's point of view even with an odd counter.
		return false
	}
	end := t.updateCounter.Load()
	if startSeq%2 == 1 {
		return true
	}
	return end != startSeq
}
