package vpt

import (
	"log"
	"time"

	"github.com/vptcore/vpt/hostclock"
)

// Create registers pt as a periodic (or one-shot) timer on vCPU v, firing
// every period (ignored in favor of a single firing when oneShot), asserting
// irq on pt.Source's controller. The caller must set pt.Source before
// calling. Create is idempotent as a reprogramming operation: it destroys
// any prior registration of pt first, so a device model may call Create
// again on the same record to change its period or IRQ (e.g. the guest BIOS
// reprogramming PIT channel 0).
//
// period values below minPeriod are silently clamped (with a warning) unless
// oneShot is set — sub-millisecond fidelity is out of scope (spec Non-goals).
func Create(v *VCPUTimers, pt *PeriodicTime, period time.Duration, irq uint8, oneShot bool, cb func(v *VCPUTimers, priv any), priv any) {
	Destroy(pt)

	v.mu.Lock()
	defer v.mu.Unlock()

	pt.pendingIntrNr = 0
	pt.doNotFreeze = false
	pt.irqIssued = false

	if period < minPeriod && !oneShot {
		log.Printf("vpt: periodic timer period %s below %s, clamping", period, minPeriod)
		period = minPeriod
	}

	pt.period = period
	pt.vcpu.Store(v)
	pt.lastPltGTime = v.guestNow()
	pt.irq = irq
	pt.periodCycles = uint64(period.Nanoseconds()) * v.cpuKHz / 1_000_000
	pt.oneShot = oneShot
	pt.scheduled = v.clock.NowNanoseconds() + period.Nanoseconds()

	// Offset LAPIC ticks from other timer ticks. Otherwise guests that use
	// LAPIC ticks for process accounting see long runs of process ticks
	// incorrectly blamed on interrupt processing (spec §3.3 invariant 5).
	if pt.Source == SourceLAPIC {
		pt.scheduled += period.Nanoseconds() / 2
	}

	pt.CB, pt.Priv = cb, priv

	pt.onList = true
	v.list[pt] = struct{}{}

	pt.timer = hostclock.NewHostTimer(v.clock, v.pcpuID(), func() { timerFn(pt) })
	pt.timer.Set(pt.scheduled)
}

// Destroy unregisters pt: a no-op if pt has never been created. Otherwise it
// unlinks pt from its owning vCPU's list under that vCPU's lock, then kills
// the host timer outside the lock — kill_timer synchronously waits for any
// in-flight timerFn to return, and doing that under the lock would deadlock
// against timerFn trying to acquire the same lock.
func Destroy(pt *PeriodicTime) {
	if pt.vcpu.Load() == nil {
		return
	}

	withTimerLock(pt, func(v *VCPUTimers) {
		if pt.onList {
			delete(v.list, pt)
			pt.onList = false
		}
	})

	if pt.timer != nil {
		pt.timer.Kill()
	}
}

// Reset reprograms every timer on v back to "just started": pending ticks
// cleared, last-delivered guest time stamped to now, next expiry one period
// out. Called on guest reset.
func Reset(v *VCPUTimers) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for pt := range v.list {
		pt.pendingIntrNr = 0
		pt.lastPltGTime = v.guestNow()
		pt.scheduled = v.clock.NowNanoseconds() + pt.period.Nanoseconds()
		pt.timer.Set(pt.scheduled)
	}
}

// Migrate rebinds every host timer on v to v's current physical CPU. It
// does not change which VCPUTimers owns any record — that only ever
// changes via Create — it changes which physical CPU services each
// record's expiry callback.
func Migrate(v *VCPUTimers, newPCPU int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pcpu.Store(int32(newPCPU))

	for pt := range v.list {
		pt.timer.Migrate(newPCPU)
	}
}
