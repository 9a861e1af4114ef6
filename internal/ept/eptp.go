// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ept implements the EPT engine (spec.md §4.2): the per-guest
// default extended page table, per-gcpu active EPT roots, the
// three-phase GPM modification protocol, and the CR0/CR3/CR4/EPT-exit
// tracked events that keep guest paging state and the hardware EPT in
// sync.
package ept

import "github.com/kata-containers/kata-containers/src/hvcore/internal/mam"

// EMTPreferenceOrder is the EPT memory-type preference order for the
// default EPT and for the EPTP itself: write-back first, falling back
// toward uncacheable only when the platform's PAT/MTRR policy rules
// out the preferred type.
var EMTPreferenceOrder = []mam.Attrs{
	mam.EMTWriteBack,
	mam.EMTWriteProtected,
	mam.EMTWriteThrough,
	mam.EMTWriteCombining,
	mam.EMTUncacheable,
}

// ComputeEPTP packs an EPTP register value: bits[2:0] are the EPT
// paging-structure memory type, bits[5:3] are the GAW encoding (actual
// width = 21 + 9*gaw), and bits[51:12] are the root's page frame
// number — the layout spec.md §8's "EPTP format" testable property
// checks bit-for-bit.
func ComputeEPTP(root uint64, gaw mam.GAWLevel, memType mam.Attrs) uint64 {
	return (uint64(memType) & 0x7) | (uint64(gaw)&0x7)<<3 | (root &^ 0xFFF)
}
