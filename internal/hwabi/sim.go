// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package hwabi

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kata-containers/kata-containers/src/hvcore/internal/addr"
)

var hwabiLogger = logrus.WithField("source", "hvcore/hwabi")

// SimArena is an mmap-backed stand-in for "host physical memory": a
// flat anonymous mapping whose offsets double as host physical
// addresses, so MAM/EPT conversion and INT15h buffer writes touch
// real bytes instead of an in-memory map[uint64][]byte fake.
type SimArena struct {
	mu      sync.Mutex
	backing []byte
	next    uint64
	freed   map[uint64]int
}

// NewSimArena reserves size bytes of anonymous memory via mmap(2). The
// first page is never handed out by the bump allocator, so HPA 0 keeps
// meaning "no page allocated".
func NewSimArena(size uint64) (*SimArena, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap host-physical-memory arena")
	}
	return &SimArena{backing: b, next: addr.PageSize, freed: make(map[uint64]int)}, nil
}

// Close releases the backing mapping.
func (a *SimArena) Close() error {
	return unix.Munmap(a.backing)
}

// Bytes returns a slice view of the arena at HPA p of the given length.
// The returned slice aliases the arena; callers must not retain it
// past the arena's lifetime.
func (a *SimArena) Bytes(p addr.HPA, length int) ([]byte, error) {
	start := uint64(p)
	if start+uint64(length) > uint64(len(a.backing)) {
		return nil, fmt.Errorf("hwabi: HPA %#x length %d out of arena bounds", p, length)
	}
	return a.backing[start : start+uint64(length)], nil
}

// SimMemoryProvider implements MemoryProvider by bump-allocating out of
// a SimArena. Free is a no-op bump allocator simplification documented
// here rather than silently dropped: the simulator never reclaims, which
// is acceptable because test runs are short-lived processes.
type SimMemoryProvider struct {
	arena *SimArena
}

// NewSimMemoryProvider wraps an arena for bump allocation.
func NewSimMemoryProvider(arena *SimArena) *SimMemoryProvider {
	return &SimMemoryProvider{arena: arena}
}

func (m *SimMemoryProvider) Alloc(size uint64) (addr.HVA, error) {
	return m.AllocPages(int((size + addr.PageMask) / addr.PageSize))
}

func (m *SimMemoryProvider) AllocPages(n int) (addr.HVA, error) {
	m.arena.mu.Lock()
	defer m.arena.mu.Unlock()

	size := uint64(n) * addr.PageSize
	if m.arena.next+size > uint64(len(m.arena.backing)) {
		return 0, errors.New("hwabi: simulated out of memory")
	}
	base := m.arena.next
	m.arena.next += size
	for i := base; i < base+size; i++ {
		m.arena.backing[i] = 0
	}
	return addr.HVA(base), nil
}

func (m *SimMemoryProvider) Free(h addr.HVA) {
	m.arena.mu.Lock()
	defer m.arena.mu.Unlock()
	m.arena.freed[uint64(h)]++
}

// SimHMM implements HMM with an identity hva<->hpa mapping, which is
// exactly true for the arena model: an arena offset is both.
type SimHMM struct {
	arena  *SimArena
	mapped map[uint64]bool
	mu     sync.Mutex
}

// NewSimHMM constructs an identity-mapped HMM over arena.
func NewSimHMM(arena *SimArena) *SimHMM {
	return &SimHMM{arena: arena, mapped: make(map[uint64]bool)}
}

func (h *SimHMM) HVAToHPA(v addr.HVA) (addr.HPA, bool) {
	if uint64(v) >= uint64(len(h.arena.backing)) {
		return 0, false
	}
	return addr.HPA(v), true
}

func (h *SimHMM) HPAToHVA(p addr.HPA) (addr.HVA, bool) {
	if uint64(p) >= uint64(len(h.arena.backing)) {
		return 0, false
	}
	return addr.HVA(p), true
}

func (h *SimHMM) MapPage(p addr.HPA, writable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mapped[uint64(p)] = true
	return nil
}

func (h *SimHMM) UnmapPage(p addr.HPA) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mapped, uint64(p))
	return nil
}

// SimPageRenderer implements mam.PageRenderer over a SimArena: each
// rendered page is a real 4 KiB slice of the arena holding the table's
// 512 little-endian 8-byte entries, so EPT/page-table/IOMMU conversion
// can be exercised without a real MMU reading the bytes back.
type SimPageRenderer struct {
	mp    *SimMemoryProvider
	arena *SimArena
}

// NewSimPageRenderer constructs a renderer allocating pages from mp
// and writing entries into arena.
func NewSimPageRenderer(mp *SimMemoryProvider, arena *SimArena) *SimPageRenderer {
	return &SimPageRenderer{mp: mp, arena: arena}
}

func (r *SimPageRenderer) AllocPage() (addr.HPA, error) {
	hva, err := r.mp.AllocPages(1)
	if err != nil {
		return 0, err
	}
	return addr.HPA(hva), nil
}

func (r *SimPageRenderer) WriteEntries(page addr.HPA, words [512]uint64) error {
	b, err := r.arena.Bytes(page, addr.PageSize)
	if err != nil {
		return err
	}
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[i*8:], w)
	}
	return nil
}

// SimHalter panics instead of deadlooping, so tests can recover() and
// assert a fatal path was actually reached.
type SimHalter struct{}

func (SimHalter) Halt(reason string) {
	hwabiLogger.WithField("reason", reason).Error("simulated fatal halt")
	panic(fatalHalt(reason))
}

// fatalHalt is the panic value SimHalter raises; tests recover() and
// type-assert on it to distinguish an intended halt from a real bug.
type fatalHalt string

// RecoverHalt is a test helper: call inside a deferred recover() to
// turn a SimHalter panic into (reason, true), or (_, false) for any
// other panic value, which is re-panicked.
func RecoverHalt(r interface{}) (string, bool) {
	if r == nil {
		return "", false
	}
	if fh, ok := r.(fatalHalt); ok {
		return string(fh), true
	}
	panic(r)
}
