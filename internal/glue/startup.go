// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package glue implements the bootstrap/policy layer spec.md's
// distilled spec names but does not detail (§4.12's expansion): parsing
// and deep-copying the loader-provided startup struct, constructing
// guests from it, the host-side TOML policy overlay, and the INT 15h
// trap-stub installation/matching. Grounded on kata-containers'
// katautils config-loading idiom (`LoadConfiguration`, value-copy into
// a `HypervisorConfig`) generalized to a binary, versioned wire format
// instead of a TOML file.
package glue

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/guest"
	"github.com/kata-containers/kata-containers/src/hvcore/internal/hwabi"
)

var glueLogger = logrus.WithField("source", "hvcore/glue")

// acceptedStartupVersions is the semver range of startup-struct
// versions this core will parse; anything outside it is fatal (spec.md
// §6: "unknown versions are fatal"). Expressed as a range instead of a
// bare integer equality check (SPEC_FULL.md §2 AMBIENT STACK
// Versioning).
var acceptedStartupVersions = semver.MustParseRange(">=1.0.0 <2.0.0")

// DebugPortType is the startup struct's debug-port selector.
type DebugPortType int

const (
	DebugPortNone DebugPortType = iota
	DebugPortSerial
)

// VirtMode is the startup struct's debug-channel virtualization mode.
type VirtMode int

const (
	VirtModeNone VirtMode = iota
	VirtModeHide
	VirtModeNull
)

// DebugIdentKind selects how the debug port is located.
type DebugIdentKind int

const (
	DebugIdentDefault DebugIdentKind = iota
	DebugIdentIO
	DebugIdentPCIIndex
)

// DebugIdent is the startup struct's debug-port locator (spec.md §6:
// "ident {DEFAULT, IO(base), PCI_INDEX(n∈[0,15])}").
type DebugIdent struct {
	Kind     DebugIdentKind
	IOBase   uint16
	PCIIndex uint8
}

// DebugParams is the startup struct's debug configuration.
type DebugParams struct {
	Port      DebugPortType
	Virt      VirtMode
	Ident     DebugIdent
	Verbosity int // 0..4
	Mask      uint64
}

// ImageLayout is the memory layout of one loader-provided image
// (mon_image or thunk_image).
type ImageLayout struct {
	Base       addr.HPA
	ImageSize  uint64
	TotalSize  uint64
	EntryPoint addr.HVA
}

// StartupFlags are the top-level startup struct flags.
type StartupFlags uint32

const (
	FlagPostOSLaunch StartupFlags = 1 << iota
	FlagACPIDiscoveryCapable
)

// GuestFlags are per-guest flags (spec.md §6).
type GuestFlags uint32

const (
	GuestFlagRealBIOSAccess GuestFlags = 1 << iota
	GuestFlagLaunchImmediately
	GuestFlagImageCompressed
)

// CPUStartupState is one vCPU's initial architectural state (spec.md
// §6's cpu_state entry).
type CPUStartupState struct {
	GPR     [18]uint64 // includes RIP, RFLAGS at fixed indices
	XMM     [16][16]byte
	Segs    [8]SegmentState
	CR0     uint64
	CR2     uint64
	CR3     uint64
	CR4     uint64
	CR8     uint64
	GDTRBase uint64
	GDTRLimit uint16
	IDTRBase  uint64
	IDTRLimit uint16

	MSRDebugCtl        uint64
	MSREFER            uint64
	MSRPAT             uint64
	MSRSysenterCS      uint64
	MSRSysenterESP     uint64
	MSRSysenterEIP     uint64
	MSRPerfGlobalCtrl  uint64
	MSRSMBase          uint64

	PendingExceptions uint32
	Interruptibility  uint32
	ActivityState     uint32
}

// SegmentState is one segment register's full descriptor-cache state.
type SegmentState struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint32
}

// Device is one startup-struct device descriptor (spec.md §3's
// mon_guest_device[]). The field layout beyond an opaque identity tag
// is device-model specific and out of this core's scope (Non-goals:
// "no device model beyond INT15h").
type Device struct {
	Tag  uint32
	Data []byte
}

// GuestStartup is one guest's deep-copied startup description (spec.md
// §6's "Each guest:" fields).
type GuestStartup struct {
	Flags          GuestFlags
	Magic          uint32
	Affinity       guest.AffinityBitmap
	CPUStates      []CPUStartupState
	Devices        []Device
	ImageBase      addr.HPA
	ImageSize      uint64
	PhysMemorySize uint64
	LoadOffset     addr.GPA
}

// StartupStruct is the fully deep-copied tree the loader hands to the
// core (spec.md §3: "mon_startup_struct -> mon_guest_startup[] ->
// mon_guest_cpu_startup_state[] + mon_guest_device[]"). No field here
// retains a pointer into loader-owned pages: every slice and struct was
// copied by value out of the wire buffer in ParseStartupStruct.
type StartupStruct struct {
	Version semver.Version

	NumCPUsAtBoot int
	Flags         StartupFlags
	Debug         DebugParams

	MonImage   ImageLayout
	ThunkImage ImageLayout

	E820Pointer         addr.HPA
	LocalAPICIDs        []uint32
	INT15HandlerSlot    addr.GPA

	PrimaryGuest   GuestStartup
	SecondaryGuests []GuestStartup
}

// wireHeader is the {size, version} prefix every startup struct begins
// with (spec.md §6: "Versioned: {size, version} prefix; unknown
// versions are fatal").
type wireHeader struct {
	Size    uint32
	Version uint32 // packed major<<16 | minor<<8 | patch
}

const wireHeaderLen = 8

// ParseStartupStruct validates the {size, version} prefix of raw
// against acceptedStartupVersions, then decodes the remainder (everything
// wireHeaderLen..hdr.Size) into a StartupStruct field by field, in the
// order fields are declared on StartupStruct/GuestStartup/CPUStartupState
// below. A malformed version, size, or body is fatal (spec.md §7),
// reported through halt. spec.md names the header precisely but leaves
// the body's concrete byte layout to the loader; DESIGN.md's Open
// Questions records this package's chosen little-endian, length-prefixed
// layout for every field the spec does name.
func ParseStartupStruct(raw []byte, halt hwabi.Halter) (*StartupStruct, error) {
	if len(raw) < wireHeaderLen {
		return nil, fatal(halt, "startup struct shorter than its header")
	}
	hdr := wireHeader{
		Size:    binary.LittleEndian.Uint32(raw[0:4]),
		Version: binary.LittleEndian.Uint32(raw[4:8]),
	}
	if int(hdr.Size) > len(raw) {
		return nil, fatal(halt, "startup struct size field exceeds buffer length")
	}

	v := semver.Version{
		Major: uint64(hdr.Version >> 16 & 0xFF),
		Minor: uint64(hdr.Version >> 8 & 0xFF),
		Patch: uint64(hdr.Version & 0xFF),
	}
	if !acceptedStartupVersions(v) {
		return nil, fatal(halt, "startup struct version "+v.String()+" is not accepted")
	}

	su := &StartupStruct{Version: v}
	if err := decodeStartupBody(newWireReader(raw[wireHeaderLen:hdr.Size]), su); err != nil {
		return nil, fatal(halt, "startup struct body decode failed: "+err.Error())
	}

	glueLogger.WithFields(logrus.Fields{"version": v.String(), "size": hdr.Size, "cpus": su.NumCPUsAtBoot}).Info("startup struct accepted")
	return su, nil
}

// wireReader is a small little-endian cursor over a startup struct's
// body, used instead of encoding/binary.Read on whole structs because
// ImageLayout.EntryPoint and GuestStartup.ImageBase are addr.HVA/addr.HPA
// (a uintptr-backed type binary.Read can't size), and because
// CPUStates/Devices/LocalAPICIDs/SecondaryGuests are length-prefixed
// slices whose count isn't known until it's read off the wire.
type wireReader struct {
	r *bytes.Reader
}

func newWireReader(b []byte) *wireReader {
	return &wireReader{r: bytes.NewReader(b)}
}

func (w *wireReader) u8() (uint8, error) {
	return w.r.ReadByte()
}

func (w *wireReader) skip(n int) error {
	_, err := w.r.Seek(int64(n), io.SeekCurrent)
	return err
}

func (w *wireReader) u16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (w *wireReader) u32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (w *wireReader) u64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(w.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (w *wireReader) bytesN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(w.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeDebugParams(w *wireReader) (DebugParams, error) {
	var d DebugParams

	port, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "debug port")
	}
	d.Port = DebugPortType(port)

	virt, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "debug virt mode")
	}
	d.Virt = VirtMode(virt)

	kind, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "debug ident kind")
	}
	d.Ident.Kind = DebugIdentKind(kind)

	ioBase, err := w.u16()
	if err != nil {
		return d, errors.Wrap(err, "debug ident io base")
	}
	d.Ident.IOBase = ioBase

	pciIndex, err := w.u8()
	if err != nil {
		return d, errors.Wrap(err, "debug ident pci index")
	}
	d.Ident.PCIIndex = pciIndex

	if err := w.skip(1); err != nil { // alignment pad
		return d, errors.Wrap(err, "debug ident padding")
	}

	verbosity, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "debug verbosity")
	}
	d.Verbosity = int(verbosity)

	mask, err := w.u64()
	if err != nil {
		return d, errors.Wrap(err, "debug mask")
	}
	d.Mask = mask

	return d, nil
}

func decodeImageLayout(w *wireReader) (ImageLayout, error) {
	var img ImageLayout

	base, err := w.u64()
	if err != nil {
		return img, errors.Wrap(err, "image base")
	}
	img.Base = addr.HPA(base)

	imageSize, err := w.u64()
	if err != nil {
		return img, errors.Wrap(err, "image size")
	}
	img.ImageSize = imageSize

	totalSize, err := w.u64()
	if err != nil {
		return img, errors.Wrap(err, "image total size")
	}
	img.TotalSize = totalSize

	entry, err := w.u64()
	if err != nil {
		return img, errors.Wrap(err, "image entry point")
	}
	img.EntryPoint = addr.HVA(entry)

	return img, nil
}

// decodeCPUStartupState reads one cpu_state entry. Every field of
// CPUStartupState is a fixed-size native type (no addr.* wrapper), so
// encoding/binary.Read can decode the whole struct in one call, in
// declaration order, with no implicit padding inserted between fields.
func decodeCPUStartupState(w *wireReader) (CPUStartupState, error) {
	var s CPUStartupState
	if err := binary.Read(w.r, binary.LittleEndian, &s); err != nil {
		return s, errors.Wrap(err, "cpu startup state")
	}
	return s, nil
}

func decodeDevice(w *wireReader) (Device, error) {
	var d Device

	tag, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "device tag")
	}
	d.Tag = tag

	dataLen, err := w.u32()
	if err != nil {
		return d, errors.Wrap(err, "device data length")
	}
	data, err := w.bytesN(int(dataLen))
	if err != nil {
		return d, errors.Wrap(err, "device data")
	}
	d.Data = data

	return d, nil
}

// decodeGuestStartup reads one mon_guest_startup entry: scalar fields,
// the affinity bitmap, then the length-prefixed cpu_state and device
// arrays, then the remaining scalars.
func decodeGuestStartup(w *wireReader) (GuestStartup, error) {
	var g GuestStartup

	flags, err := w.u32()
	if err != nil {
		return g, errors.Wrap(err, "guest flags")
	}
	g.Flags = GuestFlags(flags)

	magic, err := w.u32()
	if err != nil {
		return g, errors.Wrap(err, "guest magic")
	}
	g.Magic = magic

	all, err := w.u8()
	if err != nil {
		return g, errors.Wrap(err, "guest affinity all")
	}
	g.Affinity.All = all != 0
	if err := w.skip(7); err != nil { // alignment pad before the 8-byte bitmap
		return g, errors.Wrap(err, "guest affinity padding")
	}
	bits, err := w.u64()
	if err != nil {
		return g, errors.Wrap(err, "guest affinity bits")
	}
	g.Affinity.Bits = bits

	numCPUStates, err := w.u32()
	if err != nil {
		return g, errors.Wrap(err, "guest cpu state count")
	}
	g.CPUStates = make([]CPUStartupState, numCPUStates)
	for i := range g.CPUStates {
		cs, err := decodeCPUStartupState(w)
		if err != nil {
			return g, errors.Wrapf(err, "guest cpu state %d", i)
		}
		g.CPUStates[i] = cs
	}

	numDevices, err := w.u32()
	if err != nil {
		return g, errors.Wrap(err, "guest device count")
	}
	g.Devices = make([]Device, numDevices)
	for i := range g.Devices {
		d, err := decodeDevice(w)
		if err != nil {
			return g, errors.Wrapf(err, "guest device %d", i)
		}
		g.Devices[i] = d
	}

	imageBase, err := w.u64()
	if err != nil {
		return g, errors.Wrap(err, "guest image base")
	}
	g.ImageBase = addr.HPA(imageBase)

	imageSize, err := w.u64()
	if err != nil {
		return g, errors.Wrap(err, "guest image size")
	}
	g.ImageSize = imageSize

	physMem, err := w.u64()
	if err != nil {
		return g, errors.Wrap(err, "guest phys memory size")
	}
	g.PhysMemorySize = physMem

	loadOffset, err := w.u64()
	if err != nil {
		return g, errors.Wrap(err, "guest load offset")
	}
	g.LoadOffset = addr.GPA(loadOffset)

	return g, nil
}

// decodeStartupBody fills every StartupStruct field beyond Version from
// w, in the same order StartupStruct declares them. An empty w (a
// header-only buffer, hdr.Size == wireHeaderLen) leaves every field at
// its zero value rather than erroring, since a startup struct describing
// zero cpus and zero guests is a degenerate but well-formed tree.
func decodeStartupBody(w *wireReader, su *StartupStruct) error {
	if w.r.Len() == 0 {
		return nil
	}

	numCPUs, err := w.u32()
	if err != nil {
		return errors.Wrap(err, "num cpus at boot")
	}
	su.NumCPUsAtBoot = int(numCPUs)

	flags, err := w.u32()
	if err != nil {
		return errors.Wrap(err, "startup flags")
	}
	su.Flags = StartupFlags(flags)

	debug, err := decodeDebugParams(w)
	if err != nil {
		return errors.Wrap(err, "debug params")
	}
	su.Debug = debug

	monImage, err := decodeImageLayout(w)
	if err != nil {
		return errors.Wrap(err, "mon image")
	}
	su.MonImage = monImage

	thunkImage, err := decodeImageLayout(w)
	if err != nil {
		return errors.Wrap(err, "thunk image")
	}
	su.ThunkImage = thunkImage

	e820Ptr, err := w.u64()
	if err != nil {
		return errors.Wrap(err, "e820 pointer")
	}
	su.E820Pointer = addr.HPA(e820Ptr)

	numAPICs, err := w.u32()
	if err != nil {
		return errors.Wrap(err, "local apic id count")
	}
	su.LocalAPICIDs = make([]uint32, numAPICs)
	for i := range su.LocalAPICIDs {
		id, err := w.u32()
		if err != nil {
			return errors.Wrapf(err, "local apic id %d", i)
		}
		su.LocalAPICIDs[i] = id
	}

	int15Slot, err := w.u64()
	if err != nil {
		return errors.Wrap(err, "int15 handler slot")
	}
	su.INT15HandlerSlot = addr.GPA(int15Slot)

	primary, err := decodeGuestStartup(w)
	if err != nil {
		return errors.Wrap(err, "primary guest")
	}
	su.PrimaryGuest = primary

	numSecondary, err := w.u32()
	if err != nil {
		return errors.Wrap(err, "secondary guest count")
	}
	su.SecondaryGuests = make([]GuestStartup, numSecondary)
	for i := range su.SecondaryGuests {
		sg, err := decodeGuestStartup(w)
		if err != nil {
			return errors.Wrapf(err, "secondary guest %d", i)
		}
		su.SecondaryGuests[i] = sg
	}

	return nil
}

func fatal(halt hwabi.Halter, reason string) error {
	glueLogger.Error(reason)
	if halt != nil {
		halt.Halt(reason)
	}
	return errors.New("glue: " + reason)
}

// DeepCopyGuestStartup returns a value copy of g with every slice
// field independently allocated, so the result shares no backing array
// with g (spec.md §3: "deep value-copy... so that original pages
// provided by the loader may be re-mapped or unmapped").
func DeepCopyGuestStartup(g GuestStartup) GuestStartup {
	out := g
	out.CPUStates = append([]CPUStartupState(nil), g.CPUStates...)
	out.Devices = make([]Device, len(g.Devices))
	for i, d := range g.Devices {
		out.Devices[i] = Device{Tag: d.Tag, Data: append([]byte(nil), d.Data...)}
	}
	return out
}
