// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package ve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

func eligibleCandidate() (Descriptor, Candidate) {
	d := Descriptor{Enabled: true, InfoPageHVA: 0x4000, InfoPage: &InfoPage{}}
	c := Candidate{
		GuestCR0PE:          true,
		IDTVectoringValid:   false,
		Vector20Intercepted: false,
		LeafSuppressVE:      false,
		ExitQualification:   0x81,
		GLA:                 addr.GVA(0x7000),
		GPA:                 addr.GPA(0x8000),
		EPTPIndex:           3,
	}
	return d, c
}

func TestEligibleWhenAllConditionsHold(t *testing.T) {
	d, c := eligibleCandidate()
	assert.True(t, Eligible(d, c))
}

func TestEligibleFailsOnEachIndividualCondition(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Descriptor, *Candidate)
	}{
		{"disabled", func(d *Descriptor, c *Candidate) { d.Enabled = false }},
		{"no info page", func(d *Descriptor, c *Candidate) { d.InfoPageHVA = 0 }},
		{"unacked previous VE", func(d *Descriptor, c *Candidate) { d.InfoPage.Flag = 0xFFFFFFFF }},
		{"CR0.PE=0", func(d *Descriptor, c *Candidate) { c.GuestCR0PE = false }},
		{"IDT vectoring valid", func(d *Descriptor, c *Candidate) { c.IDTVectoringValid = true }},
		{"vector 20 intercepted", func(d *Descriptor, c *Candidate) { c.Vector20Intercepted = true }},
		{"leaf suppresses VE", func(d *Descriptor, c *Candidate) { c.LeafSuppressVE = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, c := eligibleCandidate()
			tc.modify(&d, &c)
			assert.False(t, Eligible(d, c), tc.name)
		})
	}
}

func TestInjectPopulatesInfoPageAndReturnsVector20(t *testing.T) {
	assert := assert.New(t)
	d, c := eligibleCandidate()
	assert.True(Eligible(d, c))

	action := Inject(d, c)
	assert.EqualValues(Vector, action.Vector)
	assert.False(action.HasErrorCode)

	assert.EqualValues(ExitReasonEPTViolation, d.InfoPage.ExitReason)
	assert.Equal(c.ExitQualification, d.InfoPage.ExitQualification)
	assert.Equal(c.GLA, d.InfoPage.GLA)
	assert.Equal(c.GPA, d.InfoPage.GPA)
	assert.Equal(c.EPTPIndex, d.InfoPage.EPTPIndex)
	assert.EqualValues(0xFFFFFFFF, d.InfoPage.Flag)
}

func TestGuestAckResetsFlagAllowingNextInjection(t *testing.T) {
	assert := assert.New(t)
	d, c := eligibleCandidate()
	Inject(d, c)
	assert.False(Eligible(d, c)) // flag still pending until the guest ISR acks

	d.InfoPage.Flag = 0 // simulated guest ISR acknowledgement
	assert.True(Eligible(d, c))
}
