// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package mam

// Attrs is the 32-bit attribute bag spec.md §4.1 describes as
// "interpreted per kind": paging bits (writable/user/exec/global/PAT
// index), EPT bits (r/w/x/IGMT/EMT/suppress-#VE) and IOMMU bits
// (r/w/snoop/transient-mapping) all live in the same union, since a
// single generic tree is built once and only later rendered into one
// concrete hardware format by a Convert* call.
type Attrs uint32

const (
	AttrWritable Attrs = 1 << iota
	AttrUser
	AttrExec
	AttrGlobal
	AttrIGMT       // EPT: ignore guest PAT
	AttrSuppressVE // EPT: suppress virtualization-exception delivery
	AttrSnoop      // IOMMU: snoop behavior
	AttrTransient  // IOMMU: transient mapping

	attrFlagBits = iota
)

const (
	patIndexShift = attrFlagBits
	patIndexBits  = 3
	patIndexMask  = Attrs((1 << patIndexBits) - 1)

	emtShift = patIndexShift + patIndexBits
	emtBits  = 3
	emtMask  = Attrs((1 << emtBits) - 1)
)

// EPT memory types, preference order WB > WP > WT > WC > UC per
// spec.md §4.7.
const (
	EMTUncacheable Attrs = iota
	EMTWriteCombining
	_
	_
	EMTWriteThrough
	EMTWriteProtected
	EMTWriteBack
)

// WithPATIndex returns a with its PAT index field set.
func (a Attrs) WithPATIndex(idx uint8) Attrs {
	return (a &^ (patIndexMask << patIndexShift)) | (Attrs(idx)&patIndexMask)<<patIndexShift
}

// PATIndex extracts the PAT index field.
func (a Attrs) PATIndex() uint8 {
	return uint8((a >> patIndexShift) & patIndexMask)
}

// WithEMT returns a with its EPT memory-type field set.
func (a Attrs) WithEMT(emt uint8) Attrs {
	return (a &^ (emtMask << emtShift)) | (Attrs(emt)&emtMask)<<emtShift
}

// EMT extracts the EPT memory-type field.
func (a Attrs) EMT() uint8 {
	return uint8((a >> emtShift) & emtMask)
}

// attrsPackedBits is how many low bits of the 64-bit data word an
// entry's attrs occupy; the remaining high bits hold the target's
// page frame number. Kept well clear of 32 so a future attrs field
// never collides with the address.
const attrsPackedBits = 24
