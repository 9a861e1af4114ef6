// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package e820

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

var e820Logger = logrus.WithField("source", "hvcore/e820")

// smapSignature is the BIOS signature 'SMAP' = 0x534D4150 (spec.md
// §4.6 step 2, GLOSSARY).
const smapSignature = 0x534D4150

// int15FunctionE820 is the AX value the guest requests; only 0xE820 is
// serviced.
const int15FunctionE820 = 0xE820

// StubMatcher decides whether a faulting CS:IP belongs to the INT 15h
// trap stub this handler services. internal/glue owns the stub's
// installation bytes and the linear-address arithmetic (spec.md §4.6
// step 1); this package is kept decoupled from that concern the same
// way internal/fvs and internal/ve are kept decoupled from
// internal/ept -- this package only needs a yes/no answer, not the
// stub's byte layout.
type StubMatcher interface {
	MatchesLinearAddress(cs, ip uint16) bool
}

// GuestMemory writes guest-visible bytes at a translated GPA; the
// production implementation composes HMM's GPA->HVA translation with a
// raw write, the simulator backs it with hwabi.SimArena bytes.
type GuestMemory interface {
	WriteAt(gpa addr.GPA, data []byte) error
}

// EFLAGSWriter sets or clears the carry flag in the guest's
// saved-on-stack EFLAGS word. Real-mode IRET pops EFLAGS from the
// stack rather than reading VMCS GUEST_RFLAGS, so the core must
// rewrite the stack copy directly (spec.md §4.6 step 6).
type EFLAGSWriter interface {
	SetCarryFlag(cf bool) error
}

// CallInput is the subset of guest register/segment state the INT 15h
// VMCALL handler inspects. CS/IP locate the faulting vmcall
// instruction (step 1); AX/DX identify the function and signature
// (step 2); CX is the guest's promised buffer size; BX is the
// continuation value; ES:DI addresses the guest's destination buffer.
type CallInput struct {
	CS, IP uint16
	AX     uint32
	DX     uint32
	CX     uint32
	BX     uint32
	ES, DI uint16
}

// CallResult reports how the core must adjust guest state after
// Handler.Handle.
type CallResult struct {
	// Consumed is false when the vmcall's CS:IP doesn't belong to this
	// handler's stub -- "pass through" (spec.md §4.6 step 1).
	Consumed bool
	// Fatal is set when a consumed vmcall requests a function other than
	// E820/SMAP: "the stub must not forward" any other function.
	Fatal bool
	// CF is the carry-flag value to write into the guest's saved
	// EFLAGS: clear on success, set on any validation or translation
	// failure.
	CF bool
	// EAX/EBX are only meaningful when CF is clear.
	EAX uint32
	EBX uint32
}

// realModeLinear computes a 16-bit real-mode linear address as
// CS<<4+IP (or SEG<<4+OFF for a data pointer), truncated to 20 bits.
// spec.md's Open Question on this arithmetic is resolved in DESIGN.md:
// implemented exactly as specified, with big-real-mode (>16-bit IP)
// guests explicitly out of scope for the match.
func realModeLinear(seg, off uint16) uint32 {
	return (uint32(seg)<<4 + uint32(off)) & 0xFFFFF
}

// Handler services the guest-visible INT 15h/E820 boundary (spec.md
// §4.6): the single original map's entries, exposed through a Handle,
// are enumerated one per VMCALL following the standard continuation
// protocol (BX=0 restart, BX=next on every subsequent call, BX=0 again
// on the final call).
type Handler struct {
	mu           sync.Mutex
	handle       *Handle
	stub         StubMatcher
	mem          GuestMemory
	eflags       EFLAGSWriter
	lastHandedBX uint32
	haveLast     bool
	// exhausted is set once the continuation has wrapped back to 0
	// after the final entry. A further call with EBX=0 at that point is
	// a guest poll past the end of the list, not a fresh restart: it
	// must keep reporting completion (EBX=0, CF=0) rather than
	// re-serving entry 0, since EBX=0 is simultaneously "restart" and
	// "the prior saved continuation" once the list is exhausted (spec.md
	// §4.6, §8's full-enumeration property).
	exhausted bool
}

// NewHandler constructs an INT 15h handler over handle, consulting
// stub to recognize its own trap and writing guest-visible bytes
// through mem/eflags.
func NewHandler(handle *Handle, stub StubMatcher, mem GuestMemory, eflags EFLAGSWriter) *Handler {
	return &Handler{handle: handle, stub: stub, mem: mem, eflags: eflags}
}

// Handle implements the six numbered steps of spec.md §4.6. halt is
// invoked (and does not return in production) if a consumed call
// requests any function other than E820 -- "any other function is
// fatal (the stub must not forward)".
func (h *Handler) Handle(in CallInput, halt hwabi.Halter) (CallResult, error) {
	// Step 1: is this vmcall ours?
	if h.stub == nil || !h.stub.MatchesLinearAddress(in.CS, in.IP) {
		return CallResult{Consumed: false}, nil
	}

	// Step 2: only AX=0xE820, DX='SMAP' is serviced; anything else
	// reaching our stub is fatal.
	if in.AX != int15FunctionE820 || in.DX != smapSignature {
		e820Logger.WithFields(logrus.Fields{"ax": in.AX, "dx": in.DX}).Error("INT15h stub received unsupported function")
		if halt != nil {
			halt.Halt("INT15h stub received a function other than E820/SMAP")
		}
		return CallResult{Consumed: true, Fatal: true, CF: true}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.service(in)
	if err != nil {
		e820Logger.WithError(err).Debug("INT15h E820 call failed validation or translation")
		result = CallResult{Consumed: true, CF: true}
	}
	if h.eflags != nil {
		if setErr := h.eflags.SetCarryFlag(result.CF); setErr != nil {
			return result, errors.Wrap(setErr, "e820: writing guest EFLAGS.CF")
		}
	}
	return result, nil
}

// service implements steps 3-5: validation, the 20/24-byte write, and
// EAX/EBX computation. Must be called with h.mu held.
func (h *Handler) service(in CallInput) (CallResult, error) {
	// Step 3: ECX must promise at least the basic-entry size; EBX must
	// be a restart (0) or equal the prior saved continuation.
	if in.CX < basicEntrySize {
		return CallResult{}, errors.New("e820: ECX too small for even a basic entry")
	}

	if in.BX == 0 && h.exhausted {
		return CallResult{Consumed: true, CF: false, EAX: smapSignature, EBX: 0}, nil
	}
	if in.BX != 0 {
		if !h.haveLast || in.BX != h.lastHandedBX {
			return CallResult{}, errors.Errorf("e820: EBX %#x is not 0 and does not match the saved continuation", in.BX)
		}
	}

	index := int(in.BX)
	entry, ok := h.handle.Entry(index)
	if !ok {
		return CallResult{}, errors.Errorf("e820: continuation index %d out of range", index)
	}

	// Step 4: write 24 bytes if the guest's ECX promises the extended
	// layout, else the 20-byte basic layout.
	var buf [extendedEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:], entry.Base)
	binary.LittleEndian.PutUint64(buf[8:], entry.Length)
	binary.LittleEndian.PutUint32(buf[16:], uint32(entry.Type))
	n := basicEntrySize
	if in.CX >= extendedEntrySize {
		binary.LittleEndian.PutUint32(buf[20:], entry.ExtAttributes)
		n = extendedEntrySize
	}

	destGPA := addr.GPA(realModeLinear(in.ES, in.DI))
	if h.mem == nil {
		return CallResult{}, errors.New("e820: no GuestMemory collaborator configured")
	}
	if err := h.mem.WriteAt(destGPA, buf[:n]); err != nil {
		return CallResult{}, errors.Wrap(err, "e820: writing guest E820 buffer")
	}

	// Step 5: advance the continuation, wrapping to 0 on the last entry.
	next := uint32(0)
	if index+1 < h.handle.Len() {
		next = uint32(index + 1)
		h.exhausted = false
	} else {
		h.exhausted = true
	}
	h.lastHandedBX = next
	h.haveLast = true

	return CallResult{Consumed: true, CF: false, EAX: smapSignature, EBX: next}, nil
}
