// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package e820 implements the E820 memory-map abstraction and its INT
// 15h real-mode virtualization (spec.md §4.6): an ordered sequence of
// extended BIOS entries handed to a legacy-BIOS guest through the
// synthetic E820 continuation protocol. Grounded on spec.md §3/§4.6's
// literal field layout and ordering rule; the handler's error-return
// idiom (bool/CF-style "rejected, not consumed" vs "fatal") follows
// the same style as internal/mam and internal/fvs.
package e820

import (
	"sync"

	"github.com/pkg/errors"
)

// EntryType is the BIOS memory-region classification (ACPI/E820
// values).
type EntryType uint32

const (
	TypeMemory        EntryType = 1
	TypeReserved       EntryType = 2
	TypeACPIReclaimable EntryType = 3
	TypeACPINVS         EntryType = 4
	TypeUnusable        EntryType = 5
)

// Entry is one extended BIOS E820 entry (spec.md §3): base, length,
// type and the extended attributes word (bit 0 = "enabled", per the
// ACPI 3.0 E820 extension).
type Entry struct {
	Base          uint64
	Length        uint64
	Type          EntryType
	ExtAttributes uint32
}

// basicEntrySize/extendedEntrySize are the two wire layouts the INT
// 15h handler may write, selected by what the guest's ECX promises its
// buffer can hold (spec.md §4.6 step 4).
const (
	basicEntrySize    = 20
	extendedEntrySize = 24

	// handleCapacityBytes bounds a mutable copy to one 4 KiB page, per
	// spec.md §3: "a handle either refers to the single original map or
	// to a 4 KiB-bounded mutable copy."
	handleCapacityBytes = 4096
)

// Map is the ordered, append-only sequence of E820 entries built once
// at initialization (spec.md §5: "g_e820_map: process-wide, written
// once during initialization").
type Map struct {
	mu      sync.Mutex
	entries []Entry
	frozen  bool
}

// New constructs an empty map.
func New() *Map { return &Map{} }

// Insert appends e, enforcing the map's ordering invariant: e must not
// start before the end of the prior entry, so touching entries are
// accepted and overlapping or out-of-order ones are rejected. Returns
// an error once the map has been Frozen.
func (m *Map) Insert(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return errors.New("e820: map is frozen")
	}
	if len(m.entries) > 0 {
		last := m.entries[len(m.entries)-1]
		if e.Base < last.Base+last.Length {
			return errors.Errorf("e820: entry base %#x starts before end of prior entry %#x", e.Base, last.Base+last.Length)
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

// Freeze closes the original map to further mutation; only a
// MutableCopy may still be edited afterward.
func (m *Map) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

func (m *Map) snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Handle is either a reference to Map's original entries, or a mutable
// 4 KiB-bounded copy (spec.md §3). Original() handles are read-only;
// Insert on one always fails.
type Handle struct {
	mu      sync.Mutex
	src     *Map
	mutable []Entry // nil iff this handle refers to the original
}

// OriginalHandle returns a read-only handle over m's live entries.
func (m *Map) OriginalHandle() *Handle {
	return &Handle{src: m}
}

// NewMutableCopy snapshots m's current entries into an independently
// editable handle, bounded to one 4 KiB page's worth of extended
// entries.
func (m *Map) NewMutableCopy() (*Handle, error) {
	snap := m.snapshot()
	if len(snap)*extendedEntrySize > handleCapacityBytes {
		return nil, errors.New("e820: map too large for a 4 KiB mutable copy")
	}
	return &Handle{src: m, mutable: snap}, nil
}

func (h *Handle) entries() []Entry {
	if h.mutable != nil {
		return h.mutable
	}
	return h.src.snapshot()
}

// Len reports the handle's current entry count.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries())
}

// Entry returns the i'th entry, if in range.
func (h *Handle) Entry(i int) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	es := h.entries()
	if i < 0 || i >= len(es) {
		return Entry{}, false
	}
	return es[i], true
}

// Insert appends e to a mutable handle, honoring the same ordering
// invariant as Map.Insert plus the 4 KiB capacity bound. Always fails
// on a handle referring to the original map.
func (h *Handle) Insert(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mutable == nil {
		return errors.New("e820: cannot mutate a handle to the original map")
	}
	if (len(h.mutable)+1)*extendedEntrySize > handleCapacityBytes {
		return errors.New("e820: mutable copy is at its 4 KiB capacity")
	}
	if len(h.mutable) > 0 {
		last := h.mutable[len(h.mutable)-1]
		if e.Base < last.Base+last.Length {
			return errors.Errorf("e820: entry base %#x starts before end of prior entry %#x", e.Base, last.Base+last.Length)
		}
	}
	h.mutable = append(h.mutable, e)
	return nil
}
