// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchOrderGlobalThenGuestThenGCPU(t *testing.T) {
	assert := assert.New(t)
	b := NewBus()

	var order []string
	b.RegisterGlobal(KindGuestCR0Write, func(Event) { order = append(order, "global") })
	b.RegisterGuest(KindGuestCR0Write, 1, func(Event) { order = append(order, "guest") })
	b.RegisterGCPU(KindGuestCR0Write, 2, func(Event) { order = append(order, "gcpu") })

	b.Dispatch(Event{Kind: KindGuestCR0Write, GuestID: 1, GCPUID: 2})
	assert.Equal([]string{"global", "guest", "gcpu"}, order)
}

func TestRegistrationOrderWithinAScope(t *testing.T) {
	assert := assert.New(t)
	b := NewBus()

	var order []int
	b.RegisterGlobal(KindEPTViolation, func(Event) { order = append(order, 1) })
	b.RegisterGlobal(KindEPTViolation, func(Event) { order = append(order, 2) })
	b.RegisterGlobal(KindEPTViolation, func(Event) { order = append(order, 3) })

	b.Dispatch(Event{Kind: KindEPTViolation, GuestID: -1, GCPUID: -1})
	assert.Equal([]int{1, 2, 3}, order)
}

func TestScopedHandlersDoNotFireForOtherIDs(t *testing.T) {
	assert := assert.New(t)
	b := NewBus()

	fired := false
	b.RegisterGuest(KindGuestCR3Write, 1, func(Event) { fired = true })

	b.Dispatch(Event{Kind: KindGuestCR3Write, GuestID: 2, GCPUID: -1})
	assert.False(fired)

	b.Dispatch(Event{Kind: KindGuestCR3Write, GuestID: 1, GCPUID: -1})
	assert.True(fired)
}

func TestFreezeRejectsLateRegistration(t *testing.T) {
	assert := assert.New(t)
	b := NewBus()
	b.Freeze()

	assert.Panics(func() {
		b.RegisterGlobal(KindActivityStateChanged, func(Event) {})
	})
}

func TestDispatchWithNoObserversDoesNotPanic(t *testing.T) {
	b := NewBus()
	assert.NotPanics(t, func() {
		b.Dispatch(Event{Kind: KindEPTMisconfiguration, GuestID: -1, GCPUID: -1})
	})
}
