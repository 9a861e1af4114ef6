// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ve implements software emulation of the Virtualization
// Exception (spec.md §4.4): when hardware doesn't support #VE but the
// guest has enabled its software contract, EPT-violation candidates
// are turned into an injected vector-20 exception with a populated
// info page instead of the usual EPT_VIOLATION report event.
package ve

import (
	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

// Vector is the #VE interrupt vector.
const Vector = 20

// infoFlagPending is the info-page flag value the core sets on every
// injection; the ISR inside the guest writes the flag back to zero to
// accept subsequent #VEs.
const infoFlagPending uint32 = 0xFFFFFFFF

// InfoPage mirrors the #VE information page layout the guest's ISR
// reads, as spec.md §6 enumerates it field by field: exit_reason,
// flag, qualification, gla, gpa, eptp_index, then 6 bytes of padding.
type InfoPage struct {
	ExitReason        uint32
	Flag              uint32
	ExitQualification uint64
	GLA               addr.GVA
	GPA               addr.GPA
	EPTPIndex         uint16
	Padding           [6]byte
}

// ExitReasonEPTViolation is the #VE info page's exit_reason value for
// every soft-#VE injection: the event that would otherwise have been
// an EPT_VIOLATION VM exit.
const ExitReasonEPTViolation = 48 // Intel SDM Vol. 3, Appendix C basic exit reason for EPT violations

// Descriptor is one gcpu's #VE configuration: whether VE is enabled
// and where its info page lives. The exception-bitmap and EPT-suppress
// state the eligibility check reads comes in Candidate.
type Descriptor struct {
	Enabled     bool
	InfoPageHVA addr.HVA
	InfoPage    *InfoPage
}

// Candidate is the EPT-violation context evaluated for #VE eligibility.
type Candidate struct {
	GuestCR0PE           bool
	IDTVectoringValid    bool
	Vector20Intercepted  bool // exception bitmap intercepts vector 20
	LeafSuppressVE       bool // EPT leaf's suppress_ve attribute
	ExitQualification    uint64
	GLA                  addr.GVA
	GPA                  addr.GPA
	EPTPIndex            uint16
}

// Eligible implements spec.md §4.4's ALL-must-hold injection test.
func Eligible(d Descriptor, c Candidate) bool {
	if !d.Enabled || d.InfoPageHVA == 0 || d.InfoPage == nil {
		return false
	}
	if d.InfoPage.Flag != 0 {
		return false // previous #VE not yet acknowledged by the guest ISR
	}
	if !c.GuestCR0PE {
		return false
	}
	if c.IDTVectoringValid {
		return false // an event is already being delivered
	}
	if c.Vector20Intercepted {
		return false
	}
	if c.LeafSuppressVE {
		return false
	}
	return true
}

// InjectionAction reports the injected-exception control the caller
// must write to VMCS ENTER_INTERRUPT_INFO: vector 20, hardware
// exception, no error code.
type InjectionAction struct {
	Vector      uint8
	HasErrorCode bool
}

// Inject populates d's info page per spec.md §4.4 and returns the
// injection action for vector 20. The caller must have already
// confirmed Eligible(d, c).
func Inject(d Descriptor, c Candidate) InjectionAction {
	*d.InfoPage = InfoPage{
		ExitReason:        ExitReasonEPTViolation,
		ExitQualification: c.ExitQualification,
		GLA:               c.GLA,
		GPA:               c.GPA,
		EPTPIndex:         c.EPTPIndex,
		Flag:              infoFlagPending,
	}
	return InjectionAction{Vector: Vector, HasErrorCode: false}
}
