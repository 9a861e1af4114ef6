// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package events is the core's event manager: spec.md §9 flags the
// original's observer-pattern-with-callback-pointers design for
// replacement with "a small number of typed channels or fixed
// dispatch tables per event; registration is done at boot so runtime
// mutation is not needed." This package is that fixed dispatch table:
// handlers register once during bootstrap (internal/glue), Freeze
// closes registration, and every dispatch afterward is a synchronous,
// registration-ordered fan-out with no further mutation of the tables
// themselves.
package events

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var eventsLogger = logrus.WithField("source", "hvcore/events")

var dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hvcore",
	Subsystem: "events",
	Name:      "dispatch_total",
	Help:      "Number of events dispatched through the bus, by kind.",
}, []string{"kind"})

// RegisterMetrics registers this package's prometheus collectors. The
// composition root calls this once during startup, mirroring the
// explicit MustRegister-in-one-function pattern virtcontainers uses
// for its sandbox metrics rather than promauto's implicit registration.
func RegisterMetrics() {
	prometheus.MustRegister(dispatchTotal)
}

// Kind identifies one of the core's tracked event classes (spec.md
// §4.2-§4.5): the scope (global / per-guest / per-gcpu) a Kind
// belongs to is a property of how it's registered and dispatched, not
// of the Kind value itself.
type Kind int

const (
	KindGuestCR0Write Kind = iota
	KindGuestCR3Write
	KindGuestCR4Write
	KindEmulatorAsGuestEnter
	KindEmulatorAsGuestLeave
	KindEPTViolation
	KindEPTMisconfiguration
	KindInvalidFastViewSwitch
	KindActivityStateChanged
	KindGPMModificationBegin
	KindGPMModificationEnd
)

func (k Kind) String() string {
	switch k {
	case KindGuestCR0Write:
		return "GuestCR0Write"
	case KindGuestCR3Write:
		return "GuestCR3Write"
	case KindGuestCR4Write:
		return "GuestCR4Write"
	case KindEmulatorAsGuestEnter:
		return "EmulatorAsGuestEnter"
	case KindEmulatorAsGuestLeave:
		return "EmulatorAsGuestLeave"
	case KindEPTViolation:
		return "EPTViolation"
	case KindEPTMisconfiguration:
		return "EPTMisconfiguration"
	case KindInvalidFastViewSwitch:
		return "InvalidFastViewSwitch"
	case KindActivityStateChanged:
		return "ActivityStateChanged"
	case KindGPMModificationBegin:
		return "GPMModificationBegin"
	case KindGPMModificationEnd:
		return "GPMModificationEnd"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event carries a Kind plus whatever scoping ids and payload apply;
// GuestID/GCPUID are -1 when the event is global or doesn't apply to
// that scope.
type Event struct {
	Kind    Kind
	GuestID int
	GCPUID  int
	Data    interface{}
}

// Handler observes one dispatched Event.
type Handler func(Event)

// scopedKey addresses a per-guest or per-gcpu handler list.
type scopedKey struct {
	kind Kind
	id   int
}

// Bus is the fixed dispatch table: one ordered handler list per
// (Kind) for global observers, and one per (Kind, id) for guest- and
// gcpu-scoped observers.
type Bus struct {
	mu       sync.Mutex
	frozen   bool
	global   map[Kind][]Handler
	byGuest  map[scopedKey][]Handler
	byGCPU   map[scopedKey][]Handler
}

// NewBus constructs an empty, unfrozen bus.
func NewBus() *Bus {
	return &Bus{
		global:  make(map[Kind][]Handler),
		byGuest: make(map[scopedKey][]Handler),
		byGCPU:  make(map[scopedKey][]Handler),
	}
}

// RegisterGlobal appends h to kind's global handler list. Panics if
// called after Freeze, per the boot-time-only registration design.
func (b *Bus) RegisterGlobal(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustNotBeFrozen()
	b.global[kind] = append(b.global[kind], h)
}

// RegisterGuest appends h to (kind, guestID)'s handler list.
func (b *Bus) RegisterGuest(kind Kind, guestID int, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustNotBeFrozen()
	key := scopedKey{kind, guestID}
	b.byGuest[key] = append(b.byGuest[key], h)
}

// RegisterGCPU appends h to (kind, gcpuID)'s handler list.
func (b *Bus) RegisterGCPU(kind Kind, gcpuID int, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mustNotBeFrozen()
	key := scopedKey{kind, gcpuID}
	b.byGCPU[key] = append(b.byGCPU[key], h)
}

func (b *Bus) mustNotBeFrozen() {
	if b.frozen {
		panic("events: registration attempted after Freeze")
	}
}

// Freeze closes registration. Bootstrap (internal/glue) calls this
// once every static handler has registered, before the first CPU
// resumes a guest.
func (b *Bus) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

// Dispatch fans e out, in registration order, to: e's global handlers
// first, then its guest-scoped handlers (if e.GuestID >= 0), then its
// gcpu-scoped handlers (if e.GCPUID >= 0). Dispatch is synchronous — a
// deliberate departure from the teacher's async, drop-if-full watcher
// channels (monitor.go), since the resume path needs every observer's
// side effect to have landed before VM entry, not best-effort delivery.
func (b *Bus) Dispatch(e Event) {
	b.mu.Lock()
	global := append([]Handler(nil), b.global[e.Kind]...)
	var guest, gcpu []Handler
	if e.GuestID >= 0 {
		guest = append([]Handler(nil), b.byGuest[scopedKey{e.Kind, e.GuestID}]...)
	}
	if e.GCPUID >= 0 {
		gcpu = append([]Handler(nil), b.byGCPU[scopedKey{e.Kind, e.GCPUID}]...)
	}
	b.mu.Unlock()

	dispatchTotal.WithLabelValues(e.Kind.String()).Inc()

	if len(global)+len(guest)+len(gcpu) == 0 {
		eventsLogger.WithField("kind", e.Kind).Debug("event dispatched with no observers")
	}
	for _, h := range global {
		h(e)
	}
	for _, h := range guest {
		h(e)
	}
	for _, h := range gcpu {
		h(e)
	}
}
