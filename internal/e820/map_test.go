// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package e820

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapInsertEnforcesOrdering(t *testing.T) {
	assert := assert.New(t)
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 0x1000, Type: TypeMemory}))
	require.NoError(t, m.Insert(Entry{Base: 0x1000, Length: 0x1000, Type: TypeMemory}))
	assert.Error(m.Insert(Entry{Base: 0x1800, Length: 0x100, Type: TypeMemory}))
}

func TestMapFreezeRejectsFurtherInsert(t *testing.T) {
	assert := assert.New(t)
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 0x1000, Type: TypeMemory}))
	m.Freeze()
	assert.Error(m.Insert(Entry{Base: 0x2000, Length: 0x1000, Type: TypeMemory}))
}

func TestOriginalHandleIsReadOnly(t *testing.T) {
	assert := assert.New(t)
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 0x1000, Type: TypeMemory}))
	h := m.OriginalHandle()
	assert.Equal(1, h.Len())
	assert.Error(h.Insert(Entry{Base: 0x2000, Length: 0x1000, Type: TypeMemory}))
}

func TestMutableCopyIsIndependentOfSource(t *testing.T) {
	assert := assert.New(t)
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 0x1000, Type: TypeMemory}))
	cp, err := m.NewMutableCopy()
	require.NoError(t, err)
	require.NoError(t, cp.Insert(Entry{Base: 0x2000, Length: 0x1000, Type: TypeReserved}))

	assert.Equal(2, cp.Len())
	assert.Equal(1, m.OriginalHandle().Len())
}

func TestMutableCopyRespectsCapacityBound(t *testing.T) {
	assert := assert.New(t)
	m := New()
	base := uint64(0)
	for i := 0; i < handleCapacityBytes/extendedEntrySize; i++ {
		require.NoError(t, m.Insert(Entry{Base: base, Length: 0x1000, Type: TypeMemory}))
		base += 0x2000
	}
	cp, err := m.NewMutableCopy()
	require.NoError(t, err)
	assert.Error(cp.Insert(Entry{Base: base, Length: 0x1000, Type: TypeMemory}))
}

func TestNewMutableCopyRejectsOversizedSource(t *testing.T) {
	assert := assert.New(t)
	m := New()
	base := uint64(0)
	for i := 0; i < handleCapacityBytes/extendedEntrySize+1; i++ {
		require.NoError(t, m.Insert(Entry{Base: base, Length: 0x1000, Type: TypeMemory}))
		base += 0x2000
	}
	_, err := m.NewMutableCopy()
	assert.Error(err)
}

func TestEntryOutOfRange(t *testing.T) {
	assert := assert.New(t)
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 0x1000, Type: TypeMemory}))
	h := m.OriginalHandle()
	_, ok := h.Entry(1)
	assert.False(ok)
}
