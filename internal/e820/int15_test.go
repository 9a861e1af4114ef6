// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package e820

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

type fakeStub struct {
	cs, ip uint16
}

func (f fakeStub) MatchesLinearAddress(cs, ip uint16) bool {
	return cs == f.cs && ip == f.ip
}

type fakeMemory struct {
	writes map[addr.GPA][]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{writes: map[addr.GPA][]byte{}} }

func (m *fakeMemory) WriteAt(gpa addr.GPA, data []byte) error {
	cp := append([]byte(nil), data...)
	m.writes[gpa] = cp
	return nil
}

type fakeEFLAGS struct {
	lastCF bool
	calls  int
}

func (f *fakeEFLAGS) SetCarryFlag(cf bool) error {
	f.lastCF = cf
	f.calls++
	return nil
}

func threeEntryHandle(t *testing.T) *Handle {
	t.Helper()
	m := New()
	require.NoError(t, m.Insert(Entry{Base: 0, Length: 640 * 1024, Type: TypeMemory, ExtAttributes: 1}))
	require.NoError(t, m.Insert(Entry{Base: 1 * 1024 * 1024, Length: 128 * 1024 * 1024, Type: TypeMemory, ExtAttributes: 1}))
	require.NoError(t, m.Insert(Entry{Base: 128*1024*1024 + 1*1024*1024, Length: 64 * 1024 * 1024, Type: TypeReserved, ExtAttributes: 1}))
	m.Freeze()
	return m.OriginalHandle()
}

const stubCS, stubIP = 0xF000, 0xFC00

func newTestHandler(t *testing.T) (*Handler, *fakeMemory, *fakeEFLAGS) {
	t.Helper()
	mem := newFakeMemory()
	eflags := &fakeEFLAGS{}
	h := NewHandler(threeEntryHandle(t), fakeStub{cs: stubCS, ip: stubIP}, mem, eflags)
	return h, mem, eflags
}

func callIn(bx uint32) CallInput {
	return CallInput{
		CS: stubCS, IP: stubIP,
		AX: int15FunctionE820, DX: smapSignature,
		CX: extendedEntrySize, BX: bx,
		ES: 0x1000, DI: 0x0000,
	}
}

// TestINT15FullEnumeration exercises spec.md §8 scenario 5 literally:
// three 24-byte entries read in order via EBX=0,1,2, then a fourth call
// with the continuation the third call returned (0) reports completion
// rather than restarting the enumeration.
func TestINT15FullEnumeration(t *testing.T) {
	assert := assert.New(t)
	h, mem, eflags := newTestHandler(t)

	res, err := h.Handle(callIn(0), nil)
	require.NoError(t, err)
	assert.True(res.Consumed)
	assert.False(res.CF)
	assert.EqualValues(smapSignature, res.EAX)
	assert.EqualValues(1, res.EBX)

	res, err = h.Handle(callIn(1), nil)
	require.NoError(t, err)
	assert.False(res.CF)
	assert.EqualValues(2, res.EBX)

	res, err = h.Handle(callIn(2), nil)
	require.NoError(t, err)
	assert.False(res.CF)
	assert.EqualValues(0, res.EBX)

	// Fourth call: BX=0, but the list is exhausted. Must not re-serve
	// entry 0.
	res, err = h.Handle(callIn(0), nil)
	require.NoError(t, err)
	assert.False(res.CF)
	assert.EqualValues(smapSignature, res.EAX)
	assert.EqualValues(0, res.EBX)

	assert.Equal(4, eflags.calls)
	assert.False(eflags.lastCF)

	gpa := addr.GPA(realModeLinear(0x1000, 0x0000))
	buf, ok := mem.writes[gpa]
	require.True(t, ok)
	require.Len(t, buf, extendedEntrySize)
	assert.EqualValues(128*1024*1024+1*1024*1024, binary.LittleEndian.Uint64(buf[0:]))
	assert.EqualValues(64*1024*1024, binary.LittleEndian.Uint64(buf[8:]))
	assert.EqualValues(TypeReserved, binary.LittleEndian.Uint32(buf[16:]))
}

// TestINT15RejectsMismatchedStub asserts that a vmcall whose CS:IP
// doesn't match the installed stub is reported as not consumed, with
// no guest-visible side effect.
func TestINT15RejectsMismatchedStub(t *testing.T) {
	assert := assert.New(t)
	h, mem, eflags := newTestHandler(t)

	in := callIn(0)
	in.CS, in.IP = 0x0000, 0x0000
	res, err := h.Handle(in, nil)
	require.NoError(t, err)
	assert.False(res.Consumed)
	assert.Empty(mem.writes)
	assert.Zero(eflags.calls)
}

type fatalHalter struct {
	called  bool
	reason  string
}

func (f *fatalHalter) Halt(reason string) {
	f.called = true
	f.reason = reason
}

// TestINT15FatalOnWrongFunction asserts that a consumed call requesting
// a function other than E820/SMAP halts and reports Fatal/CF=true.
func TestINT15FatalOnWrongFunction(t *testing.T) {
	assert := assert.New(t)
	h, _, _ := newTestHandler(t)

	in := callIn(0)
	in.AX = 0x1234
	halter := &fatalHalter{}
	res, err := h.Handle(in, halter)
	require.NoError(t, err)
	assert.True(res.Consumed)
	assert.True(res.Fatal)
	assert.True(res.CF)
	assert.True(halter.called)
}

// TestINT15RejectsBadContinuation asserts a non-zero EBX that doesn't
// match the last value this handler returned sets CF rather than
// serving arbitrary data.
func TestINT15RejectsBadContinuation(t *testing.T) {
	assert := assert.New(t)
	h, _, eflags := newTestHandler(t)

	res, err := h.Handle(callIn(7), nil)
	require.NoError(t, err)
	assert.True(res.Consumed)
	assert.True(res.CF)
	assert.True(eflags.lastCF)
}

// TestINT15RejectsSmallECX asserts ECX smaller than the basic entry
// size sets CF.
func TestINT15RejectsSmallECX(t *testing.T) {
	assert := assert.New(t)
	h, _, _ := newTestHandler(t)

	in := callIn(0)
	in.CX = 4
	res, err := h.Handle(in, nil)
	require.NoError(t, err)
	assert.True(res.CF)
}

// TestINT15BasicEntryLayout asserts a guest promising only the basic
// 20-byte buffer (CX=20) receives no extended-attributes word.
func TestINT15BasicEntryLayout(t *testing.T) {
	assert := assert.New(t)
	h, mem, _ := newTestHandler(t)

	in := callIn(0)
	in.CX = basicEntrySize
	res, err := h.Handle(in, nil)
	require.NoError(t, err)
	assert.False(res.CF)

	gpa := addr.GPA(realModeLinear(in.ES, in.DI))
	buf, ok := mem.writes[gpa]
	require.True(t, ok)
	assert.Len(buf, basicEntrySize)
}
