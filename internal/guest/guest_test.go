// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/mam"
)

func newTestGPM() *GPM {
	return NewGPM(mam.Create(0))
}

func TestRegistryAllocatesMonotonicIDs(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()

	g0, err := r.Register(0xC0FFEE, AffinityBitmap{All: true}, Policy{}, newTestGPM())
	assert.NoError(err)
	assert.Equal(0, g0.ID)

	g1, err := r.Register(0xC0FFEE, AffinityBitmap{All: true}, Policy{}, newTestGPM())
	assert.NoError(err)
	assert.Equal(1, g1.ID)

	found, ok := r.Lookup(0)
	assert.True(ok)
	assert.Same(g0, found)

	assert.Len(r.All(), 2)

	r.Teardown(0)
	_, ok = r.Lookup(0)
	assert.False(ok)
}

func TestRegisterRequiresStartupGPM(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	_, err := r.Register(1, AffinityBitmap{All: true}, Policy{}, nil)
	assert.Error(err)
}

func TestAffinityBitmapAllows(t *testing.T) {
	assert := assert.New(t)

	all := AffinityBitmap{All: true}
	assert.True(all.Allows(0))
	assert.True(all.Allows(63))

	some := AffinityBitmap{Bits: 0b101}
	assert.True(some.Allows(0))
	assert.False(some.Allows(1))
	assert.True(some.Allows(2))
	assert.False(some.Allows(64))
}

func TestGuestVCPUsAndMSRFilter(t *testing.T) {
	assert := assert.New(t)
	r := NewRegistry()
	g, err := r.Register(1, AffinityBitmap{All: true}, Policy{}, newTestGPM())
	assert.NoError(err)

	g.AddVCPU(0)
	g.AddVCPU(1)
	assert.Equal([]int{0, 1}, g.VCPUs())

	assert.False(g.MSRFiltered(0x174))
	g.FilterMSR(0x174)
	assert.True(g.MSRFiltered(0x174))
}

func TestGPMMMIORanges(t *testing.T) {
	assert := assert.New(t)
	gpm := newTestGPM()
	gpm.AddMMIORange(0xFEE00000, 0x1000)

	assert.True(gpm.IsMMIO(0xFEE00000))
	assert.True(gpm.IsMMIO(0xFEE00FFF))
	assert.False(gpm.IsMMIO(0xFEE01000))
	assert.False(gpm.IsMMIO(0))
}
