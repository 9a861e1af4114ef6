// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package glue

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/guest"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

func packHeader(size uint32, major, minor, patch uint8) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	version := uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	return buf
}

func TestParseStartupStructAcceptsInRangeVersion(t *testing.T) {
	assert := assert.New(t)
	raw := packHeader(8, 1, 2, 0)
	su, err := ParseStartupStruct(raw, nil)
	require.NoError(t, err)
	assert.Equal(uint64(1), su.Version.Major)
	assert.Equal(uint64(2), su.Version.Minor)
}

func TestParseStartupStructRejectsUnknownVersion(t *testing.T) {
	assert := assert.New(t)
	raw := packHeader(8, 2, 0, 0)
	halt := &fakeHalter{}
	_, err := ParseStartupStruct(raw, halt)
	assert.Error(err)
	assert.True(halt.called)
}

func TestParseStartupStructRejectsShortBuffer(t *testing.T) {
	assert := assert.New(t)
	halt := &fakeHalter{}
	_, err := ParseStartupStruct([]byte{1, 2, 3}, halt)
	assert.Error(err)
	assert.True(halt.called)
}

func TestParseStartupStructRejectsOversizedHeader(t *testing.T) {
	assert := assert.New(t)
	halt := &fakeHalter{}
	raw := packHeader(1000, 1, 0, 0)
	_, err := ParseStartupStruct(raw, halt)
	assert.Error(err)
}

// packGuestStartup writes one mon_guest_startup entry in the exact
// field order decodeGuestStartup reads it back in.
func packGuestStartup(buf *bytes.Buffer, flags GuestFlags, magic uint32, affinityAll bool, cpuStates []CPUStartupState, devices []Device, imageBase addr.HPA, imageSize, physMem uint64, loadOffset addr.GPA) {
	binary.Write(buf, binary.LittleEndian, uint32(flags))
	binary.Write(buf, binary.LittleEndian, magic)

	all := uint8(0)
	if affinityAll {
		all = 1
	}
	binary.Write(buf, binary.LittleEndian, all)
	buf.Write(make([]byte, 7)) // affinity padding
	binary.Write(buf, binary.LittleEndian, uint64(0))

	binary.Write(buf, binary.LittleEndian, uint32(len(cpuStates)))
	for _, cs := range cpuStates {
		binary.Write(buf, binary.LittleEndian, cs)
	}

	binary.Write(buf, binary.LittleEndian, uint32(len(devices)))
	for _, d := range devices {
		binary.Write(buf, binary.LittleEndian, d.Tag)
		binary.Write(buf, binary.LittleEndian, uint32(len(d.Data)))
		buf.Write(d.Data)
	}

	binary.Write(buf, binary.LittleEndian, uint64(imageBase))
	binary.Write(buf, binary.LittleEndian, imageSize)
	binary.Write(buf, binary.LittleEndian, physMem)
	binary.Write(buf, binary.LittleEndian, uint64(loadOffset))
}

func TestParseStartupStructDecodesFullBody(t *testing.T) {
	assert := assert.New(t)

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(2))                    // NumCPUsAtBoot
	binary.Write(&body, binary.LittleEndian, uint32(FlagPostOSLaunch))     // Flags

	// DebugParams
	binary.Write(&body, binary.LittleEndian, uint32(DebugPortSerial))
	binary.Write(&body, binary.LittleEndian, uint32(VirtModeHide))
	binary.Write(&body, binary.LittleEndian, uint32(DebugIdentIO))
	binary.Write(&body, binary.LittleEndian, uint16(0x3F8))
	binary.Write(&body, binary.LittleEndian, uint8(0))
	body.WriteByte(0) // padding
	binary.Write(&body, binary.LittleEndian, uint32(3))
	binary.Write(&body, binary.LittleEndian, uint64(0xFF))

	// MonImage, ThunkImage
	binary.Write(&body, binary.LittleEndian, uint64(0x1000))
	binary.Write(&body, binary.LittleEndian, uint64(0x2000))
	binary.Write(&body, binary.LittleEndian, uint64(0x3000))
	binary.Write(&body, binary.LittleEndian, uint64(0x4000))
	binary.Write(&body, binary.LittleEndian, uint64(0x5000))
	binary.Write(&body, binary.LittleEndian, uint64(0x6000))
	binary.Write(&body, binary.LittleEndian, uint64(0x7000))
	binary.Write(&body, binary.LittleEndian, uint64(0x8000))

	binary.Write(&body, binary.LittleEndian, uint64(0x9000)) // E820Pointer

	binary.Write(&body, binary.LittleEndian, uint32(2)) // LocalAPICIDs count
	binary.Write(&body, binary.LittleEndian, uint32(0))
	binary.Write(&body, binary.LittleEndian, uint32(1))

	binary.Write(&body, binary.LittleEndian, uint64(0xFE000)) // INT15HandlerSlot

	packGuestStartup(&body, GuestFlagLaunchImmediately, 0xC0FFEE, true,
		[]CPUStartupState{{CR0: 0x11, CR3: 0x22}},
		[]Device{{Tag: 7, Data: []byte{1, 2, 3}}},
		0x10000, 0x20000, 0x30000, 0x40000)

	binary.Write(&body, binary.LittleEndian, uint32(0)) // SecondaryGuests count

	raw := append(packHeader(uint32(wireHeaderLen+body.Len()), 1, 0, 0), body.Bytes()...)

	su, err := ParseStartupStruct(raw, nil)
	require.NoError(t, err)

	assert.Equal(2, su.NumCPUsAtBoot)
	assert.Equal(FlagPostOSLaunch, su.Flags)
	assert.Equal(DebugPortSerial, su.Debug.Port)
	assert.Equal(VirtModeHide, su.Debug.Virt)
	assert.Equal(DebugIdentIO, su.Debug.Ident.Kind)
	assert.EqualValues(0x3F8, su.Debug.Ident.IOBase)
	assert.Equal(3, su.Debug.Verbosity)
	assert.EqualValues(0xFF, su.Debug.Mask)
	assert.EqualValues(0x1000, su.MonImage.Base)
	assert.EqualValues(0x4000, su.MonImage.EntryPoint)
	assert.EqualValues(0x5000, su.ThunkImage.Base)
	assert.EqualValues(0x9000, su.E820Pointer)
	assert.Equal([]uint32{0, 1}, su.LocalAPICIDs)
	assert.EqualValues(0xFE000, su.INT15HandlerSlot)

	assert.Equal(GuestFlagLaunchImmediately, su.PrimaryGuest.Flags)
	assert.Equal(uint32(0xC0FFEE), su.PrimaryGuest.Magic)
	assert.True(su.PrimaryGuest.Affinity.All)
	require.Len(t, su.PrimaryGuest.CPUStates, 1)
	assert.EqualValues(0x11, su.PrimaryGuest.CPUStates[0].CR0)
	assert.EqualValues(0x22, su.PrimaryGuest.CPUStates[0].CR3)
	require.Len(t, su.PrimaryGuest.Devices, 1)
	assert.Equal(uint32(7), su.PrimaryGuest.Devices[0].Tag)
	assert.Equal([]byte{1, 2, 3}, su.PrimaryGuest.Devices[0].Data)
	assert.EqualValues(0x10000, su.PrimaryGuest.ImageBase)
	assert.EqualValues(0x40000, su.PrimaryGuest.LoadOffset)
	assert.Empty(su.SecondaryGuests)
}

type fakeHalter struct {
	called bool
	reason string
}

func (h *fakeHalter) Halt(reason string) {
	h.called = true
	h.reason = reason
}

func TestDeepCopyGuestStartupDoesNotAliasSlices(t *testing.T) {
	assert := assert.New(t)
	orig := GuestStartup{
		CPUStates: []CPUStartupState{{CR0: 1}},
		Devices:   []Device{{Tag: 1, Data: []byte{1, 2, 3}}},
	}
	cp := DeepCopyGuestStartup(orig)

	cp.CPUStates[0].CR0 = 2
	cp.Devices[0].Data[0] = 99

	assert.EqualValues(1, orig.CPUStates[0].CR0)
	assert.EqualValues(1, orig.Devices[0].Data[0])
}

func TestInstallAtAndMatchesLinearAddress(t *testing.T) {
	assert := assert.New(t)
	stub, err := InstallAt(0xFE000)
	require.NoError(t, err)
	assert.True(stub.MatchesLinearAddress(stub.CS, stub.IP))
	assert.False(stub.MatchesLinearAddress(0, 0))
}

func TestInstallAtRejectsOutOfRangeSlot(t *testing.T) {
	assert := assert.New(t)
	_, err := InstallAt(0x100000)
	assert.Error(err)
}

func TestLoadPolicyOverlayMissingFileReturnsBase(t *testing.T) {
	assert := assert.New(t)
	base := guest.Policy{DebugVerbosity: 2}
	merged, size, err := LoadPolicyOverlay(filepath.Join(t.TempDir(), "nonexistent.toml"), base)
	require.NoError(t, err)
	assert.Equal(base, merged)
	assert.Zero(size)
}

func TestLoadPolicyOverlayAppliesOverrides(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "policy.toml")
	contents := `
debug_verbosity = 3
enable_fvs = true
super_page_sizes = ["2MB", "1GB"]
guest_memory_size = "512MB"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	merged, size, err := LoadPolicyOverlay(path, guest.Policy{})
	require.NoError(t, err)
	assert.Equal(3, merged.DebugVerbosity)
	assert.True(merged.EnableFVS)
	assert.ElementsMatch([]int{2, 3}, merged.SuperPageLevels)
	assert.EqualValues(512*1024*1024, size)
}

func TestLoadPolicyOverlayRejectsUnsupportedSuperPageSize(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`super_page_sizes = ["4KB"]`), 0o644))

	_, _, err := LoadPolicyOverlay(path, guest.Policy{})
	assert.Error(err)
}

// stubDiscoverableVMX populates the IA32_VMX_* MSRs vmcs.Discover
// reads, using the raw MSR addresses (the named constants are
// unexported in internal/vmcs).
func stubDiscoverableVMX(vmx *hwabi.SimVMX) {
	const (
		msrVMXBasic      = 0x480
		msrVMXPinbased   = 0x481
		msrVMXProcbased  = 0x482
		msrVMXExitCtls   = 0x483
		msrVMXEntryCtls  = 0x484
		msrVMXCR0Fixed0  = 0x486
		msrVMXCR0Fixed1  = 0x487
		msrVMXCR4Fixed0  = 0x488
		msrVMXCR4Fixed1  = 0x489
		msrVMXProcbased2 = 0x48B
		msrVMXEPTVPIDCap = 0x48C
		msrVMXVMFunc     = 0x491
	)
	vmx.StubMSR(msrVMXBasic, 0x21|(uint64(0x1000)<<32)|(uint64(6)<<50))
	const lo, hi = 0b001, 0b011
	vmx.StubMSR(msrVMXPinbased, lo|(hi<<32))
	vmx.StubMSR(msrVMXProcbased, lo|(hi<<32))
	vmx.StubMSR(msrVMXExitCtls, lo|(hi<<32))
	vmx.StubMSR(msrVMXEntryCtls, lo|(hi<<32))
	vmx.StubMSR(msrVMXProcbased2, uint64(0)|(uint64(1<<7)<<32))
	vmx.StubMSR(msrVMXCR0Fixed0, 0x8000_0021)
	vmx.StubMSR(msrVMXCR0Fixed1, 0xFFFF_FFFF)
	vmx.StubMSR(msrVMXCR4Fixed0, 0x0000_2000)
	vmx.StubMSR(msrVMXCR4Fixed1, 0x0017_27FF)
	vmx.StubMSR(msrVMXEPTVPIDCap, (1<<16)|(1<<17)|(1<<20)|(1<<25)|(1<<26)|(uint64(1)<<32)|(uint64(1)<<40)|(uint64(1)<<41)|(uint64(1)<<42))
	vmx.StubMSR(msrVMXVMFunc, 1)
}

func TestBootstrapConstructsPrimaryGuestWithIdentityGPM(t *testing.T) {
	assert := assert.New(t)
	const memSize = 16 * 1024 * 1024

	vmx := hwabi.NewSimVMX(nil, nil)
	stubDiscoverableVMX(vmx)
	arena, err := hwabi.NewSimArena(memSize)
	require.NoError(t, err)
	defer arena.Close()
	mp := hwabi.NewSimMemoryProvider(arena)
	renderer := hwabi.NewSimPageRenderer(mp, arena)
	halt := &fakeHalter{}

	bs := NewBootstrap(vmx, halt, arena, mp, hwabi.NewSimHMM(arena), 1)
	require.NoError(t, bs.DiscoverCapabilities())

	su := GuestStartup{
		Magic:     0xCAFEBABE,
		CPUStates: []CPUStartupState{{}},
	}
	g, err := bs.ConstructPrimaryGuest(su, guest.Policy{}, renderer, memSize)
	require.NoError(t, err)
	assert.Equal(uint32(0xCAFEBABE), g.Magic)
	assert.Len(g.VCPUs(), 1)
}
