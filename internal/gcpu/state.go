// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package gcpu implements the guest CPU engine (spec.md §4.5): the
// per-vCPU state kept outside the VMCS, the resume algorithm run on
// every VM exit before the next vmlaunch/vmresume, and the activity
// state machine.
package gcpu

import (
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

var gcpuLogger = logrus.WithField("source", "hvcore/gcpu")

// Mode is the gcpu's current execution mode. IS_MODE_NATIVE was a
// hard-wired constant in the original; this is reinstated as a real
// two-state value genuinely read at every resume-time branch (DESIGN.md's
// Open Question resolution).
type Mode int

const (
	ModeNative Mode = iota
	ModeEmulator
)

// StateFlags are the resume-algorithm's control bits (spec.md §4.5).
type StateFlags uint32

const (
	FlagEmulator StateFlags = 1 << iota
	FlagFlatPT32
	FlagFlatPT64
	FlagActivityStateChanged
	FlagImportantEventOccurred
	FlagExceptionResolutionRequired
	FlagDebugRegsCached
	FlagDebugRegsModified
	FlagFXStateCached
	FlagFXStateModified
)

// mutuallyExclusive is the set of flags the resume algorithm asserts
// are never more than one of at a time.
var mutuallyExclusive = []StateFlags{FlagEmulator, FlagFlatPT32, FlagFlatPT64}

func (f StateFlags) checkMutualExclusion() bool {
	n := 0
	for _, bit := range mutuallyExclusive {
		if f&bit != 0 {
			n++
		}
	}
	return n <= 1
}

// GPRs is the general-purpose register file kept in the save area
// (not the VMCS): RSP/RIP/RFLAGS are VMCS fields instead, and are not
// duplicated here.
type GPRs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// ActivityState is one state of the activity-state machine (spec.md
// §4.5): ACTIVE<->HALT, ACTIVE->WAIT_FOR_SIPI on INIT,
// WAIT_FOR_SIPI->ACTIVE on SIPI, ACTIVE->SHUTDOWN (terminal).
type ActivityState int

const (
	ActivityActive ActivityState = iota
	ActivityHalt
	ActivityWaitForSIPI
	ActivityShutdown
)

func (s ActivityState) String() string {
	switch s {
	case ActivityActive:
		return "ACTIVE"
	case ActivityHalt:
		return "HALT"
	case ActivityWaitForSIPI:
		return "WAIT_FOR_SIPI"
	case ActivityShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// validActivityTransitions enumerates the activity-state machine's
// allowed edges; any transition not listed here is a programming
// error in the caller, not a guest-triggerable condition.
var validActivityTransitions = map[ActivityState]map[ActivityState]bool{
	ActivityActive:      {ActivityHalt: true, ActivityWaitForSIPI: true, ActivityShutdown: true},
	ActivityHalt:        {ActivityActive: true},
	ActivityWaitForSIPI: {ActivityActive: true},
	ActivityShutdown:    {},
}

// CanTransition reports whether from->to is a legal activity-state edge.
func CanTransition(from, to ActivityState) bool {
	if from == to {
		return true
	}
	return validActivityTransitions[from][to]
}

// GCPU is one guest CPU's in-core state (spec.md §4.5's "state held in
// core, not in VMCS").
type GCPU struct {
	ID       int
	Mode     Mode
	Flags    StateFlags
	Activity ActivityState

	GPRs GPRs
	XMM  [16][16]byte
	DR0, DR1, DR2, DR3, DR6 uint64
	FXSave [512]byte

	CachedCR2 uint64
	CachedCR3 uint64 // sentinel-invalidated; see InvalidateCR3Cache
	CachedCR8 uint64

	ActiveGPM    int // guest's GPM id this gcpu currently runs against
	ActiveFlatPT addr.HPA
	EPTEnabled   bool

	EFER uint64

	CR0 ShadowedControlRegister
	CR4 ShadowedControlRegister

	PriorActivity                  ActivityState
	PendingCacheDisableEnforcement bool
}

// cr3CacheInvalid is CachedCR3's sentinel: "no cached value, re-read
// from the VMCS on next use." Spec.md §4.5: "invalidated back to a
// sentinel so the next write is re-read."
const cr3CacheInvalid = ^uint64(0)

// New constructs a gcpu in NATIVE mode, ACTIVE, with no cached CR3.
func New(id int) *GCPU {
	return &GCPU{
		ID:        id,
		Mode:      ModeNative,
		Activity:  ActivityActive,
		CachedCR3: cr3CacheInvalid,
	}
}

// InvalidateCR3Cache resets the cached CR3 sentinel after a guest
// write, so the next read re-fetches from the VMCS.
func (g *GCPU) InvalidateCR3Cache() { g.CachedCR3 = cr3CacheInvalid }

// HasCachedCR3 reports whether CachedCR3 holds a real value.
func (g *GCPU) HasCachedCR3() bool { return g.CachedCR3 != cr3CacheInvalid }

// SetModeEmulator genuinely flips the gcpu's mode (unlike the
// original's hard-wired IS_MODE_NATIVE macro) and sets the matching
// exclusive flag.
func (g *GCPU) SetModeEmulator() {
	g.Mode = ModeEmulator
	g.Flags = (g.Flags &^ (FlagFlatPT32 | FlagFlatPT64)) | FlagEmulator
}

// SetModeNative returns the gcpu to native execution.
func (g *GCPU) SetModeNative() {
	g.Mode = ModeNative
	g.Flags &^= FlagEmulator
}

// SetActivity validates and applies an activity-state transition,
// raising FlagActivityStateChanged when it actually changes the
// cached value (spec.md §4.5).
func (g *GCPU) SetActivity(to ActivityState) bool {
	if g.Activity == to {
		return true
	}
	if !CanTransition(g.Activity, to) {
		return false
	}
	g.PriorActivity = g.Activity
	g.Activity = to
	g.Flags |= FlagActivityStateChanged | FlagImportantEventOccurred
	return true
}
