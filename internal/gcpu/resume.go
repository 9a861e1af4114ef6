// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package gcpu

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

var resumeTracer = otel.Tracer("hvcore/gcpu")

// IDT-vectoring-info and enter-interruption-info bit layout (Intel
// SDM Vol. 3): bit 31 validity, bits[10:8] interruption type (2 =
// NMI), bits[7:0] vector.
const (
	vectoringInfoValid    = 1 << 31
	vectoringInfoTypeMask = 0x700
	vectoringInfoTypeNMI  = 0x200
	interruptibilityBlockNMI = 1 << 3
)

// Hooks are the collaborators Resume calls into for everything
// outside this package's own state — flat-page-table install/teardown
// (internal/guest owns the guest's GPM), Unrestricted Guest and EPT
// enable (internal/ept), IPC notification on activity-state edges
// (internal/sched), and the final hardware commit. Resume treats every
// nil hook as a no-op, so tests can exercise only the branches they
// care about.
type Hooks struct {
	LayeredResume              func(g *GCPU) error
	RaiseActivityChangeEvent   func(g *GCPU)
	NotifyWaitForSIPI          func(g *GCPU)
	NotifyReactivate           func(g *GCPU)
	InstallFlatPageTables      func(g *GCPU, use64Bit bool) error
	TeardownFlatPageTables     func(g *GCPU) error
	EnableUnrestrictedGuest    func(g *GCPU) error
	DisableUnrestrictedGuest   func(g *GCPU) error
	EnableEPT                  func(g *GCPU) error
	RestoreSaveAreaScalars     func(g *GCPU)
	LoadDebugRegisters         func(g *GCPU)
	ApplyHardwareEnforcements  func(g *GCPU) error
	FlushVMCS                  func(g *GCPU) error
	UpdateNMIWindowControl     func(g *GCPU) error
}

func (h Hooks) call(fn func(*GCPU), g *GCPU) {
	if fn != nil {
		fn(g)
	}
}

func (h Hooks) callErr(fn func(*GCPU) error, g *GCPU) error {
	if fn == nil {
		return nil
	}
	return fn(g)
}

// Policy carries the resume-time decisions that don't belong to a
// single gcpu: whether the platform supports Unrestricted Guest and
// whether this guest's policy virtualizes CR0.CD.
type Policy struct {
	UnrestrictedGuestSupported bool
	VirtualizeCacheDisable     bool
}

// ResumeContext is the per-call state Resume needs beyond the gcpu
// itself: the register accessor, the VMX collaborator for vmlaunch vs
// vmresume, whether this VMCS has ever launched, and policy. Ctx roots
// the otel span Resume creates around the 9-step algorithm; callers
// that don't care about tracing may leave it nil.
type ResumeContext struct {
	Ctx      context.Context
	Accessor *Accessor
	VMX      hwabi.VMX
	Launched bool
	Policy   Policy
	Hooks    Hooks
}

// cr0CD and cr0PG are the CR0 bits the resume algorithm's step 3b
// decision tree inspects.
const (
	cr0CD uint64 = 1 << 30
	cr0PG uint64 = 1 << 31
)

// Resume runs the 9-step algorithm spec.md §4.5 describes, ending in
// vmlaunch or vmresume. A successful vmlaunch/vmresume never returns
// on real hardware; the simulator's VMX.VMLaunch/VMResume return nil
// to model that and only return an error to model a failed VM entry,
// which is fatal at the caller (Resume itself does not halt).
func Resume(g *GCPU, ctx ResumeContext) (err error) {
	rootCtx := ctx.Ctx
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	var span trace.Span
	_, span = resumeTracer.Start(rootCtx, "gcpu.Resume")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	// Step 1: in NATIVE mode, run the layered-VMCS resume hook
	// (identity for non-nested; spec.md §9 notes nested scaffolding is
	// not shipped).
	span.AddEvent("layered resume")
	if g.Mode == ModeNative {
		if err := ctx.Hooks.callErr(ctx.Hooks.LayeredResume, g); err != nil {
			return errors.Wrap(err, "gcpu: layered resume hook")
		}
	}

	// Step 2: exception resolution must never be pending at resume.
	span.AddEvent("exception resolution check")
	if g.Flags&FlagExceptionResolutionRequired != 0 {
		return errors.New("gcpu: EXCEPTION_RESOLUTION_REQUIRED set at resume")
	}

	// Step 3.
	span.AddEvent("important event handling")
	if g.Flags&FlagImportantEventOccurred != 0 {
		if err := resumeImportantEvent(g, ctx); err != nil {
			return err
		}
		g.Flags &^= FlagImportantEventOccurred | FlagActivityStateChanged
	}

	// Step 4: restore CR2/CR8 always, CR3 only if non-virtualized and
	// the cached value was actually touched (left to the hook, which
	// knows the guest's paging-virtualization mode).
	span.AddEvent("restore save-area scalars")
	ctx.Hooks.call(ctx.Hooks.RestoreSaveAreaScalars, g)

	// Step 5: debug-register settings, if the VMDB cache is active.
	span.AddEvent("load debug registers")
	if g.Flags&(FlagDebugRegsCached|FlagDebugRegsModified) != 0 {
		ctx.Hooks.call(ctx.Hooks.LoadDebugRegisters, g)
	}

	// Step 6: pending hardware enforcements (emulator / flat-pt /
	// cache-disabled) queued by step 3b.
	span.AddEvent("apply hardware enforcements")
	if err := ctx.Hooks.callErr(ctx.Hooks.ApplyHardwareEnforcements, g); err != nil {
		return errors.Wrap(err, "gcpu: apply hardware enforcements")
	}

	// Step 7: re-inject a pending external-interrupt/NMI carried over
	// in the previous exit's IDT-vectoring info, if no entry-interrupt
	// is already queued.
	span.AddEvent("re-inject pending event")
	if err := reinjectPendingEvent(ctx.Accessor); err != nil {
		return errors.Wrap(err, "gcpu: re-inject pending event")
	}

	// Step 8: flush VMCS to hardware; update the NMI-window control
	// only on a resume (not the first launch).
	span.AddEvent("flush VMCS")
	if err := ctx.Hooks.callErr(ctx.Hooks.FlushVMCS, g); err != nil {
		return errors.Wrap(err, "gcpu: flush VMCS")
	}
	if ctx.Launched {
		if err := ctx.Hooks.callErr(ctx.Hooks.UpdateNMIWindowControl, g); err != nil {
			return errors.Wrap(err, "gcpu: update NMI-window control")
		}
	}

	// Step 9: vmlaunch the first time, vmresume thereafter. Both are
	// no-return on success.
	span.AddEvent("vm entry")
	if !ctx.Launched {
		return ctx.VMX.VMLaunch()
	}
	return ctx.VMX.VMResume()
}

func resumeImportantEvent(g *GCPU, ctx ResumeContext) error {
	if g.Flags&FlagActivityStateChanged != 0 {
		ctx.Hooks.call(ctx.Hooks.RaiseActivityChangeEvent, g)
		if g.Activity == ActivityWaitForSIPI {
			ctx.Hooks.call(ctx.Hooks.NotifyWaitForSIPI, g)
		}
		if g.PriorActivity == ActivityWaitForSIPI && g.Activity != ActivityWaitForSIPI {
			ctx.Hooks.call(ctx.Hooks.NotifyReactivate, g)
		}
	}

	if g.Mode != ModeNative {
		return nil
	}
	return decideNativeResumeAction(g, ctx)
}

// decideNativeResumeAction implements step 3b's CR0/EFER decision
// tree verbatim.
func decideNativeResumeAction(g *GCPU, ctx ResumeContext) error {
	cr0 := g.CR0.GuestVisibleValue()
	efer := g.EFER

	switch {
	case cr0&cr0CD != 0 && ctx.Policy.VirtualizeCacheDisable:
		// Force real CR0.CD=0 and arm hardware enforcement (applied in
		// step 6); the guest keeps seeing CD=1 via the read shadow.
		g.CR0.Real &^= cr0CD
		g.PendingCacheDisableEnforcement = true

	case g.Flags&FlagEmulator != 0:
		if err := ctx.Hooks.callErr(ctx.Hooks.DisableUnrestrictedGuest, g); err != nil {
			return err
		}
		g.SetModeEmulator()

	case ctx.Policy.UnrestrictedGuestSupported && (g.EPTEnabled || cr0&cr0PG == 0):
		if err := ctx.Hooks.callErr(ctx.Hooks.EnableUnrestrictedGuest, g); err != nil {
			return err
		}

	case !ctx.Policy.UnrestrictedGuestSupported && cr0&cr0PG == 0:
		use64Bit := efer&eferLME != 0
		if ctx.Hooks.InstallFlatPageTables != nil {
			if err := ctx.Hooks.InstallFlatPageTables(g, use64Bit); err != nil {
				return err
			}
		}
		if use64Bit {
			g.Flags = (g.Flags &^ FlagFlatPT32) | FlagFlatPT64
		} else {
			g.Flags = (g.Flags &^ FlagFlatPT64) | FlagFlatPT32
		}
		g.CR0.Real |= cr0PG
		g.CR4.Real |= cr4PAE | cr4PSE

	case !ctx.Policy.UnrestrictedGuestSupported && cr0&cr0PG != 0 && g.Flags&(FlagFlatPT32|FlagFlatPT64) != 0:
		if err := ctx.Hooks.callErr(ctx.Hooks.TeardownFlatPageTables, g); err != nil {
			return err
		}
		g.Flags &^= FlagFlatPT32 | FlagFlatPT64
	}

	if !g.Flags.checkMutualExclusion() {
		return errors.New("gcpu: EMULATOR/FLAT_PT_32/FLAT_PT_64 mutual exclusion violated")
	}
	return nil
}

// reinjectPendingEvent implements step 7.
func reinjectPendingEvent(acc *Accessor) error {
	vectoring, err := acc.IDTVectoringInfo()
	if err != nil {
		return err
	}
	if vectoring&vectoringInfoValid == 0 {
		return nil
	}
	enter, err := acc.EnterInterruptInfo()
	if err != nil {
		return err
	}
	if enter&vectoringInfoValid != 0 {
		return nil // an entry-interrupt is already queued
	}
	// Only an external interrupt (type 0) or an NMI is re-injected.
	if typ := vectoring & vectoringInfoTypeMask; typ != 0 && typ != vectoringInfoTypeNMI {
		return nil
	}

	if vectoring&vectoringInfoTypeMask == vectoringInfoTypeNMI {
		interrupt, err := acc.Interruptibility()
		if err != nil {
			return err
		}
		if err := acc.SetInterruptibility(interrupt &^ interruptibilityBlockNMI); err != nil {
			return err
		}
	} else {
		vectoring &^= 0x3 // clear the two low bits for an external interrupt
	}
	return acc.SetEnterInterruptInfo(vectoring)
}
