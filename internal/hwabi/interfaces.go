// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hwabi is the boundary between hvcore and the collaborators
// spec.md §1 names as out of scope: the heap/page allocator, the host
// memory manager (HMM), and the VMCS/VMX hardware intrinsics
// (vmcs_read/write, vmlaunch/vmresume, invept/invvpid). Production
// firmware supplies real implementations of these interfaces; this
// package also ships a deterministic in-process simulator
// (sim.go) used by every other package's tests and by cmd/hvcoresim,
// so the guest-execution engine can be exercised end to end without
// silicon.
package hwabi

import (
	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

// MemoryProvider is the heap/page allocator collaborator.
type MemoryProvider interface {
	// Alloc returns size bytes of zeroed host memory.
	Alloc(size uint64) (addr.HVA, error)
	// AllocPages returns n contiguous 4 KiB pages of zeroed host memory.
	AllocPages(n int) (addr.HVA, error)
	// Free releases memory previously returned by Alloc/AllocPages.
	Free(h addr.HVA)
}

// HMM is the Host Memory Manager collaborator: hva<->hpa translation
// and host page table map/unmap of physical pages.
type HMM interface {
	HVAToHPA(h addr.HVA) (addr.HPA, bool)
	HPAToHVA(p addr.HPA) (addr.HVA, bool)
	MapPage(p addr.HPA, writable bool) error
	UnmapPage(p addr.HPA) error
}

// VMCSField identifies a VMCS encoding. Values are left to the
// production backend; the simulator uses them as opaque map keys.
type VMCSField uint32

// VMX is the hardware-intrinsics collaborator: VMCS field access and
// the vmlaunch/vmresume/invept/invvpid instructions. A production
// implementation is a single assembly thunk per method; it never
// returns on a successful vmlaunch/vmresume.
type VMX interface {
	VMCSRead(field VMCSField) (uint64, error)
	VMCSWrite(field VMCSField, value uint64) error

	// ReadMSR is the rdmsr intrinsic, used during VMCS capability
	// discovery (spec.md §4.7) to read the IA32_VMX_* MSRs.
	ReadMSR(msr uint32) (uint64, error)

	// VMLaunch and VMResume return only on failure: a real CPU either
	// never returns (vm entry succeeded) or returns with the VM-instruction
	// error cached in VMCSField InstructionError.
	VMLaunch() error
	VMResume() error

	// InveptModes/InvvpidModes report which invalidation granularities the
	// hardware advertises, most-preferred first.
	InveptModes() []InvMode
	InvvpidModes() []InvMode
	Invept(mode InvMode, eptp uint64) error
	Invvpid(mode InvMode, vpid uint16, gva addr.GVA) error
}

// InvMode is an INVEPT/INVVPID granularity.
type InvMode int

const (
	InvIndividualAddress InvMode = iota
	InvSingleContext
	InvAllContexts
)

// Halter is invoked on a fatal condition (spec.md §7): VMX unsupported,
// unsupported VMCS memory type, failed vmlaunch/vmresume, EPT
// misconfiguration, malformed startup struct, MAM allocation failure
// inside a structural operation. Production firmware spins forever so
// a debugger can attach; the simulator panics so tests can recover().
type Halter interface {
	Halt(reason string)
}
