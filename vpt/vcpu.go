package vpt

import (
	"sync"
	"sync/atomic"

	"github.com/vptcore/vpt/hostclock"
)

// GuestTime is the guest-visible clock collaborator (hvm_get_guest_time /
// hvm_set_guest_time in the original source): the guest TSC/guest-time
// offset mechanism, out of scope for this package and referenced only by
// interface.
type GuestTime interface {
	// GuestTime returns vCPU v's current guest-visible time.
	GuestTime(v *VCPUTimers) int64
	// SetGuestTime rewinds or fast-forwards vCPU v's guest-visible time.
	SetGuestTime(v *VCPUTimers, ns int64)
}

// Kicker is the scheduler's block/unblock/kick primitive, out of scope for
// this package and referenced only by interface.
type Kicker interface {
	// KickVCPU wakes v if it is blocked and forces it out of the guest
	// into the hypervisor so the injection selector gets a chance to run.
	KickVCPU(v *VCPUTimers)
}

// VCPUTimers is the per-guest-CPU timer set: the owning container for every
// PeriodicTime bound to this vCPU, and the single lock (tm_lock in the
// original source) that protects all of their mutable state plus list
// membership. The set is a plain Go map rather than an intrusive list
// (container/list buys nothing here, since membership is tested as often as
// it's iterated); iteration order over it is exactly as unobservable as the
// original's linked-list discovery order, which the spec already says no
// external contract may depend on.
type VCPUTimers struct {
	mu   sync.Mutex
	list map[*PeriodicTime]struct{}

	// guestTime is a scratch slot for a guest-time snapshot across a
	// deschedule, guarded by mu. No code path in this package reads or
	// writes it.
	guestTime int64

	clock  hostclock.Clock
	guest  GuestTime
	kicker Kicker

	mode atomic.Int32 // TimerMode; consulted live, HVM_PARAM_TIMER_MODE is domain-wide

	cpuKHz uint64 // host CPU frequency, for period_cycles conversion

	pcpu    atomic.Int32
	blocked atomic.Bool
}

// NewVCPUTimers constructs an empty timer set for one guest CPU.
// cpuKHz is the host CPU frequency used to convert wall-clock periods into
// guest-time cycles (period_cycles). initialPCPU is the physical CPU this
// vCPU currently runs on.
func NewVCPUTimers(clock hostclock.Clock, guest GuestTime, kicker Kicker, mode TimerMode, cpuKHz uint64, initialPCPU int) *VCPUTimers {
	v := &VCPUTimers{
		list:   make(map[*PeriodicTime]struct{}),
		clock:  clock,
		guest:  guest,
		kicker: kicker,
		cpuKHz: cpuKHz,
	}
	v.mode.Store(int32(mode))
	v.pcpu.Store(int32(initialPCPU))

	return v
}

// Mode returns the currently configured tick-accounting mode.
func (v *VCPUTimers) Mode() TimerMode {
	return TimerMode(v.mode.Load())
}

// SetMode reconfigures the tick-accounting mode. HVM_PARAM_TIMER_MODE is
// consulted live, so this may be called at any time, including while timers
// are armed.
func (v *VCPUTimers) SetMode(mode TimerMode) {
	v.mode.Store(int32(mode))
}

// SetBlocked records whether the scheduler currently considers this vCPU
// blocked. SaveTimer consults this before acquiring the lock, matching the
// original's test_bit(_VPF_blocked, ...) early return.
func (v *VCPUTimers) SetBlocked(blocked bool) {
	v.blocked.Store(blocked)
}

// Blocked reports the last value passed to SetBlocked.
func (v *VCPUTimers) Blocked() bool {
	return v.blocked.Load()
}

// pcpuID returns the physical CPU this vCPU is currently bound to.
func (v *VCPUTimers) pcpuID() int {
	return int(v.pcpu.Load())
}

// guestNow is a small convenience wrapper around the GuestTime collaborator.
func (v *VCPUTimers) guestNow() int64 {
	return v.guest.GuestTime(v)
}

// withTimerLock implements the retry-lock pattern (pt_lock/pt_unlock in the
// original source): pt's owning vCPU can change concurrently underneath the
// locker (migration, or destroy immediately followed by re-create on
// another vCPU), so acquisition re-reads pt.vcpu, locks that vCPU's tm_lock,
// and rechecks the owner hasn't changed before running fn. If it has
// changed, the lock is dropped and the whole thing retries.
//
// fn runs with v.mu held. withTimerLock returns false (without calling fn)
// if pt has never been given an owning vCPU, i.e. it has never been
// through Create.
func withTimerLock(pt *PeriodicTime, fn func(v *VCPUTimers)) bool {
	for {
		v := pt.vcpu.Load()
		if v == nil {
			return false
		}

		v.mu.Lock()

		if pt.vcpu.Load() != v {
			v.mu.Unlock()

			continue
		}

		fn(v)
		v.mu.Unlock()

		return true
	}
}
