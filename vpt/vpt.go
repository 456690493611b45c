// Package vpt is the Virtual Platform Timer core: per-guest-CPU sets of
// virtual timers whose expiry is driven by the host's monotonic clock but
// whose delivery to the guest is gated by the guest being runnable, the
// emulated interrupt controllers not masking the line, and the selected
// tick-accounting mode.
//
// Ported in spirit (not in code) from Xen's xen/arch/x86/hvm/vpt.c: same
// state machine, same four tick-accounting modes, same lock discipline.
// Unlike the C original, PeriodicTime.vcpu is an atomic.Pointer rather than
// a plain field guarded by convention, because Go's race detector (rightly)
// does not take "only read before acquiring the lock you're about to
// acquire" on faith.
package vpt

import (
	"sync/atomic"
	"time"

	"github.com/vptcore/vpt/hostclock"
)

// Source tags which emulated controller a timer's line belongs to.
// Immutable after Create.
type Source uint8

const (
	// SourceLAPIC timers assert their vector directly on the owning
	// vCPU's local APIC.
	SourceLAPIC Source = iota
	// SourceISA timers assert an ISA IRQ (0-15), routed to the guest via
	// the 8259 PIC pair or the I/O APIC.
	SourceISA
)

// TimerMode is the domain-wide HVM_PARAM_TIMER_MODE configuration
// parameter: how missed ticks (host fired, guest was not there to take
// them) are compensated for.
type TimerMode int32

const (
	// ModeNoDelay accumulates every missed tick and delivers them
	// individually. This is the default (mode_is(d, no_delay) maps to no
	// explicit branch in the original source).
	ModeNoDelay TimerMode = iota
	// ModeDelayForMissedTicks adds nothing to the pending count for ticks
	// missed across a deschedule instead of delivering them as a burst.
	// Guest time is not frozen or thawed around SaveTimer/RestoreTimer, so
	// the gap stays visible in guest time.
	ModeDelayForMissedTicks
	// ModeNoMissedTicksPending never lets more than one tick accumulate.
	ModeNoMissedTicksPending
	// ModeOneMissedTickPending accumulates missed ticks but collapses
	// them into a single logical tick on the next ack.
	ModeOneMissedTickPending
)

// AckSource distinguishes which controller actually delivered an
// acknowledged vector, for ISA-source timers that can reach the guest via
// either the PIC or the I/O APIC (an hvm_intsrc in the original source).
type AckSource uint8

const (
	// AckSourcePIC means the vector was resolved via the 8259 pair.
	AckSourcePIC AckSource = iota
	// AckSourceLAPIC means the vector was resolved via the I/O APIC
	// redirection table (delivered through the LAPIC).
	AckSourceLAPIC
)

// minPeriod is the clamp floor: periodic timers programmed faster than this
// are silently slowed down (spec §1 Non-goals: sub-millisecond fidelity is
// out of scope).
const minPeriod = 900 * time.Microsecond

// PeriodicTime is one virtual timer. Its storage is owned by the device
// model that registers it (RTC, PIT, HPET, LAPIC timer, ...), not by this
// package: the VPT core only owns the linkage, the host-timer handle, and
// the interior state below. A stable address is required, since the host
// timer callback closes over the record's pointer — callers must not move
// or copy a PeriodicTime after passing it to Create.
type PeriodicTime struct {
	// Source must be set by the caller before the first Create.
	Source Source

	// CB, if non-nil, is invoked after IntrPost releases the owning
	// vCPU's lock, once per acknowledged tick (collapsed ticks still
	// invoke it exactly once).
	CB func(v *VCPUTimers, priv any)
	// Priv is opaque data handed back to CB unchanged.
	Priv any

	vcpu atomic.Pointer[VCPUTimers]

	irq           uint8
	period        time.Duration
	periodCycles  uint64
	oneShot       bool
	scheduled     int64 // absolute host-monotonic ns of the next expiry
	lastPltGTime  int64 // guest-time stamp of the last delivered tick
	pendingIntrNr int
	irqIssued     bool
	doNotFreeze   bool
	onList        bool

	timer *hostclock.HostTimer
}

// OnList reports whether the record is currently linked into a vCPU's timer
// set. Best-effort and unsynchronized (like reading pt->on_list outside
// tm_lock in the original source) — intended for tests and logging, not for
// making decisions that must be race-free.
func (pt *PeriodicTime) OnList() bool {
	return pt.onList
}
