// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

import "github.com/kata-containers/kata-containers/src/hvcore/internal/addr"

// PageRenderer is the collaborator a Convert* call uses to lay real
// hardware-format tables out in host physical memory: allocate a 4 KiB
// page and write its 512 eight-byte entries. hwabi.SimPageRenderer is
// the deterministic test/simulation implementation.
type PageRenderer interface {
	AllocPage() (addr.HPA, error)
	WriteEntries(page addr.HPA, words [entriesPerTable]uint64) error
}

// GAWLevel is EPT's guest-address-width encoding: width = 21 + 9*level
// per spec.md §8's EPTP-format property.
type GAWLevel int

const (
	GAW21 GAWLevel = 0 // 21-bit width, 1 level (not used in practice)
	GAW30 GAWLevel = 1
	GAW39 GAWLevel = 2
	GAW48 GAWLevel = 3
)

// ConvertToEPT walks the tree and renders it as an EPT hierarchy,
// translating every entry into hardware EPT-entry format. superPages
// restricts which levels may keep a collapsed leaf instead of being
// split down to 4 KiB (the hardware's own super-page support, which
// may be narrower than the generic tree's policy); hwVE controls
// whether the per-leaf "suppress #VE" bit is honored. Returns the
// root's host physical address for loading into an EPTP. Irreversible:
// every converted entry's Kind is permanently stamped KindEPT.
func (t *Tree) ConvertToEPT(pr PageRenderer, superPages map[int]bool, gaw GAWLevel, hwVE bool) (addr.HPA, bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root, level := t.loadRoot()
	hpa, ok := t.render(pr, root, level, KindEPT, func(level int, m mapping) uint64 {
		return encodeEPTEntry(level, m, superPages, hwVE)
	})
	return hpa, ok
}

// ConvertToPT64 renders the tree as a 4-level long-mode (IA-32e) page
// table hierarchy and returns the PML4 host physical address.
func (t *Tree) ConvertToPT64(pr PageRenderer) (addr.HPA, bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root, level := t.loadRoot()
	return t.render(pr, root, level, KindPT, encodePTEntry)
}

// ConvertToPT32PAE renders the tree as a PAE (3-level) page table
// hierarchy and returns the PDPT host physical address. PAE addresses
// only the low 4 levels minus one; a tree grown past level 3 is
// truncated at the PDPT, matching 32-bit PAE's narrower reach.
func (t *Tree) ConvertToPT32PAE(pr PageRenderer) (addr.HPA, bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root, level := t.loadRoot()
	for level > 3 {
		root = root.entries[0].subtable()
		level--
		if root == nil {
			return 0, false
		}
	}
	return t.render(pr, root, level, KindPT, encodePTEntry)
}

// ConvertToIOMMUPT renders the tree as a VT-d-style IOMMU page table
// hierarchy and returns the context-table root host physical address.
func (t *Tree) ConvertToIOMMUPT(pr PageRenderer) (addr.HPA, bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	root, level := t.loadRoot()
	return t.render(pr, root, level, KindIOMMU, encodeIOMMUEntry)
}

func (t *Tree) render(pr PageRenderer, tb *table, level int, kind Kind, encode func(level int, m mapping) uint64) (addr.HPA, bool) {
	var words [entriesPerTable]uint64

	for i := range tb.entries {
		e := &tb.entries[i]
		if sub := e.subtable(); sub != nil {
			childHPA, ok := t.render(pr, sub, level-1, kind, encode)
			if !ok {
				return 0, false
			}
			e.meta.Store(packMeta(true, false, kind, ReasonSuccess))
			words[i] = encodeInnerEntry(childHPA)
			continue
		}
		m := e.load()
		e.meta.Store(packMeta(m.present, true, kind, m.reason))
		words[i] = encode(level, m)
	}

	page, err := pr.AllocPage()
	if err != nil {
		return 0, false
	}
	if err := pr.WriteEntries(page, words); err != nil {
		return 0, false
	}
	return page, true
}

func encodeInnerEntry(child addr.HPA) uint64 {
	// Present, read/write/execute (or supervisor R/W for PT), pointing
	// at the next-level table.
	return uint64(child) | 0x7
}

func encodeEPTEntry(level int, m mapping, superPages map[int]bool, hwVE bool) uint64 {
	if !m.present {
		return 0
	}
	var w uint64
	w |= 1 << 0 // read: present EPT leaves are always readable in this model
	if m.attrs&AttrWritable != 0 {
		w |= 1 << 1
	}
	if m.attrs&AttrExec != 0 {
		w |= 1 << 2
	}
	w |= uint64(m.attrs.EMT()) << 3
	if m.attrs&AttrIGMT != 0 {
		w |= 1 << 6
	}
	if level > 1 && superPages[level] {
		w |= 1 << 7 // big page
	}
	w |= uint64(m.target) &^ addr.PageMask
	if hwVE && m.attrs&AttrSuppressVE != 0 {
		w |= 1 << 63
	}
	return w
}

func encodePTEntry(level int, m mapping) uint64 {
	if !m.present {
		return 0
	}
	var w uint64
	w |= 1 << 0 // present
	if m.attrs&AttrWritable != 0 {
		w |= 1 << 1
	}
	if m.attrs&AttrUser != 0 {
		w |= 1 << 2
	}
	if level > 1 {
		w |= 1 << 7 // PS
	}
	if m.attrs&AttrGlobal != 0 {
		w |= 1 << 8
	}
	w |= uint64(m.target) &^ addr.PageMask
	if m.attrs&AttrExec == 0 {
		w |= 1 << 63 // NX
	}
	return w
}

func encodeIOMMUEntry(level int, m mapping) uint64 {
	if !m.present {
		return 0
	}
	var w uint64
	w |= 1 << 0 // read
	if m.attrs&AttrWritable != 0 {
		w |= 1 << 1
	}
	if m.attrs&AttrSnoop != 0 {
		w |= 1 << 11
	}
	if m.attrs&AttrTransient != 0 {
		w |= 1 << 62
	}
	w |= uint64(m.target) &^ addr.PageMask
	return w
}
