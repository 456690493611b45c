package vpt

import (
	"sync"
	"testing"
	"time"

	"github.com/vptcore/vpt/hostclock"
	"github.com/vptcore/vpt/intctl"
)

// fakeGuestTime is a GuestTime whose guest clock tracks the host clock
// exactly unless explicitly offset, which is all these tests need: none of
// them exercise TSC scaling.
type fakeGuestTime struct {
	mu     sync.Mutex
	clock  hostclock.Clock
	offset int64
}

func (g *fakeGuestTime) GuestTime(*VCPUTimers) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.clock.NowNanoseconds() + g.offset
}

func (g *fakeGuestTime) SetGuestTime(_ *VCPUTimers, ns int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.offset = ns - g.clock.NowNanoseconds()
}

// fakeKicker counts kicks instead of actually waking a scheduler.
type fakeKicker struct {
	mu    sync.Mutex
	kicks int
}

func (k *fakeKicker) KickVCPU(*VCPUTimers) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicks++
}

func (k *fakeKicker) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.kicks
}

func newTestVCPU(clock *hostclock.ManualClock, mode TimerMode) (*VCPUTimers, *fakeKicker) {
	guest := &fakeGuestTime{clock: clock}
	kicker := &fakeKicker{}
	v := NewVCPUTimers(clock, guest, kicker, mode, 3_000_000, 0)

	return v, kicker
}

// S1: a periodic ISA timer fires on schedule and is selected for injection.
func TestPeriodicFireAndInject(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, kicker := newTestVCPU(clock, ModeNoDelay)
	chip := intctl.NewChip()

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 0, false, nil, nil)

	clock.Advance(10 * time.Millisecond)

	if kicker.count() == 0 {
		t.Fatalf("expected timer expiry to kick the vCPU")
	}

	UpdateIRQ(v, chip, chip)

	if n := chip.ISAAssertCount(0); n != 1 {
		t.Fatalf("expected ISA IRQ 0 asserted once, got %d", n)
	}

	if !pt.irqIssued {
		t.Fatalf("expected irqIssued to be set after UpdateIRQ selects pt")
	}
}

// S2: UpdateIRQ never reselects a record whose vector is still unacknowledged.
func TestUpdateIRQSkipsAlreadyIssued(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	chip := intctl.NewChip()

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 1, false, nil, nil)

	clock.Advance(10 * time.Millisecond)
	UpdateIRQ(v, chip, chip)
	UpdateIRQ(v, chip, chip)

	if n := chip.ISAAssertCount(1); n != 1 {
		t.Fatalf("expected exactly one assertion before ack, got %d", n)
	}
}

// S3: a masked LAPIC line is never selected for injection.
func TestMaskedLAPICNotSelected(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	chip := intctl.NewChip()
	chip.SetLVTTMasked(true)

	pt := &PeriodicTime{Source: SourceLAPIC}
	Create(v, pt, 5*time.Millisecond, 0xEF, false, nil, nil)

	clock.Advance(8 * time.Millisecond) // first LAPIC expiry is at 5ms + 2.5ms half-period offset
	UpdateIRQ(v, chip, chip)

	if _, ok := chip.LastAssertedVector(); ok {
		t.Fatalf("expected no vector asserted while LVT timer entry masked")
	}

	chip.SetLVTTMasked(false)
	UpdateIRQ(v, chip, chip)

	vec, ok := chip.LastAssertedVector()
	if !ok || vec != 0xEF {
		t.Fatalf("expected vector 0xEF asserted once unmasked, got %v ok=%v", vec, ok)
	}
}

// S4: IntrPost clears irqIssued and decrements the pending count so the
// timer becomes reselectable, and invokes CB exactly once per ack.
func TestIntrPostReconciles(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	chip := intctl.NewChip()

	var cbCalls int

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 2, false, func(*VCPUTimers, any) { cbCalls++ }, nil)

	clock.Advance(10 * time.Millisecond)
	UpdateIRQ(v, chip, chip)

	vector := chip.PICVector(2)
	IntrPost(v, vector, AckSourcePIC, chip)

	if pt.irqIssued {
		t.Fatalf("expected irqIssued cleared after ack")
	}

	if cbCalls != 1 {
		t.Fatalf("expected CB invoked exactly once, got %d", cbCalls)
	}

	if pt.pendingIntrNr != 0 {
		t.Fatalf("expected pending count drained to 0, got %d", pt.pendingIntrNr)
	}
}

// S5: no_missed_ticks_pending never lets a scheduler gap turn into a burst
// of pending ticks: catching up after being saved for several periods
// leaves nothing pending (just a note that one tick is imminent), and the
// next natural expiry delivers exactly one.
func TestNoMissedTicksPendingCollapses(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoMissedTicksPending)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 3, false, nil, nil)

	SaveTimer(v)
	clock.Advance(55 * time.Millisecond) // 5 periods elapse while stopped
	RestoreTimer(v)

	if pt.pendingIntrNr != 0 {
		t.Fatalf("expected no_missed_ticks_pending to forgive the gap, got pending=%d", pt.pendingIntrNr)
	}

	if !pt.doNotFreeze {
		t.Fatalf("expected do_not_freeze set once a tick is imminent")
	}

	// Advance to the rescheduled expiry: exactly one tick is delivered,
	// not the five that were actually missed.
	clock.Advance(10 * time.Millisecond)

	if pt.pendingIntrNr != 1 {
		t.Fatalf("expected exactly one delivered tick, got %d", pt.pendingIntrNr)
	}
}

// S6: one_missed_tick_pending (and the no_delay default) fold every missed
// period into the pending count immediately on catch-up, instead of
// forgiving the gap.
func TestOneMissedTickPendingAccumulates(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeOneMissedTickPending)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 3, false, nil, nil)

	SaveTimer(v)
	clock.Advance(35 * time.Millisecond) // a bit over 3 periods elapse while stopped
	RestoreTimer(v)

	if pt.pendingIntrNr < 3 {
		t.Fatalf("expected missed ticks folded into the pending count on restore, got %d", pt.pendingIntrNr)
	}
}

// S7: Destroy unlinks the record and tolerates being called twice.
func TestDestroyIdempotent(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, kicker := newTestVCPU(clock, ModeNoDelay)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 4, false, nil, nil)

	Destroy(pt)

	if pt.OnList() {
		t.Fatalf("expected pt unlinked after Destroy")
	}

	// A second Destroy, and firing the clock past where the timer would
	// have expired, must not panic or kick the vCPU again.
	Destroy(pt)
	clock.Advance(10 * time.Millisecond)

	if n := kicker.count(); n != 0 {
		t.Fatalf("expected a destroyed timer never to kick the vCPU, got %d kicks", n)
	}
}

// Migrate rebinds every record's host timer without changing ownership.
func TestMigratePreservesOwnership(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 5, false, nil, nil)

	Migrate(v, 3)

	if pt.vcpu.Load() != v {
		t.Fatalf("expected Migrate to leave pt.vcpu unchanged")
	}

	if pt.timer.PCPU() != 3 {
		t.Fatalf("expected host timer rebound to pcpu 3, got %d", pt.timer.PCPU())
	}
}

// SaveTimer stops host timers unless do_not_freeze is set; RestoreTimer
// re-arms anything with nothing pending.
func TestSaveRestoreTimer(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeDelayForMissedTicks)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 6, false, nil, nil)

	SaveTimer(v)
	clock.Advance(50 * time.Millisecond)

	if pt.pendingIntrNr != 0 {
		t.Fatalf("expected no ticks delivered while saved, got pending=%d", pt.pendingIntrNr)
	}

	RestoreTimer(v)
	clock.Advance(10 * time.Millisecond)

	if pt.pendingIntrNr == 0 {
		t.Fatalf("expected RestoreTimer to re-arm the timer")
	}
}

// orderTrackingISA wraps a Chip to record the order AssertISA/DeassertISA
// are called in, so tests can verify the deassert-before-assert priming
// pulse UpdateIRQ must perform on the level-sensitive 8259 path.
type orderTrackingISA struct {
	*intctl.Chip

	mu     sync.Mutex
	events []string
}

func (o *orderTrackingISA) AssertISA(isaIRQ uint8) {
	o.mu.Lock()
	o.events = append(o.events, "assert")
	o.mu.Unlock()
	o.Chip.AssertISA(isaIRQ)
}

func (o *orderTrackingISA) DeassertISA(isaIRQ uint8) {
	o.mu.Lock()
	o.events = append(o.events, "deassert")
	o.mu.Unlock()
	o.Chip.DeassertISA(isaIRQ)
}

// Spec scenario S6: with two LAPIC timers pending at once, UpdateIRQ must
// select by minimum last_plt_gtime + period_cycles, not last_plt_gtime
// alone. Constructed so the two keys disagree: pt_A has the smaller raw
// last_plt_gtime but, being the slower (3ms) timer, the larger
// period_cycles, so the correct selection is pt_B, the faster (1ms) timer
// created later.
func TestUpdateIRQSelectsByLastPltGTimePlusPeriodCycles(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	chip := intctl.NewChip()

	ptA := &PeriodicTime{Source: SourceLAPIC}
	Create(v, ptA, 3*time.Millisecond, 0x40, false, nil, nil) // last_plt_gtime=0, period_cycles=9e6

	clock.Advance(5 * time.Millisecond) // ptA fires once; last_plt_gtime untouched by firing

	ptB := &PeriodicTime{Source: SourceLAPIC}
	Create(v, ptB, 1*time.Millisecond, 0x41, false, nil, nil) // last_plt_gtime=5e6, period_cycles=3e6

	clock.Advance(2 * time.Millisecond) // ptB fires once; ptA's next deadline not yet reached

	if ptA.pendingIntrNr == 0 || ptB.pendingIntrNr == 0 {
		t.Fatalf("expected both timers pending, got ptA=%d ptB=%d", ptA.pendingIntrNr, ptB.pendingIntrNr)
	}

	UpdateIRQ(v, chip, chip)

	vec, ok := chip.LastAssertedVector()
	if !ok || vec != 0x41 {
		t.Fatalf("expected ptB (0x41, lower last_plt_gtime+period_cycles) selected, got %#x ok=%v", vec, ok)
	}
}

// UpdateIRQ must deassert an ISA line before asserting it: the emulated
// 8259 is level-sensitive, so a bare assert on top of a still-asserted
// line is collapsed by the controller.
func TestUpdateIRQDeassertsBeforeAsserting(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	tracker := &orderTrackingISA{Chip: intctl.NewChip()}

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 9, false, nil, nil)

	clock.Advance(10 * time.Millisecond)
	UpdateIRQ(v, tracker, tracker)

	if len(tracker.events) != 2 || tracker.events[0] != "deassert" || tracker.events[1] != "assert" {
		t.Fatalf("expected [deassert assert], got %v", tracker.events)
	}
}

// Spec S4 (one_missed_tick_pending variant): acking under
// one_missed_tick_pending collapses the pending count to 0 and restamps
// last_plt_gtime to the guest's current time, instead of decrementing by
// one and advancing by a single period_cycles like every other mode.
func TestIntrPostOneMissedTickPendingRestampsToNow(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeOneMissedTickPending)
	chip := intctl.NewChip()

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 10, false, nil, nil)

	clock.Advance(10 * time.Millisecond)
	UpdateIRQ(v, chip, chip)

	vector := chip.PICVector(10)
	IntrPost(v, vector, AckSourcePIC, chip)

	if pt.pendingIntrNr != 0 {
		t.Fatalf("expected pending count collapsed to 0, got %d", pt.pendingIntrNr)
	}

	if want := v.guestNow(); pt.lastPltGTime != want {
		t.Fatalf("expected last_plt_gtime restamped to guest now (%d), got %d", want, pt.lastPltGTime)
	}
}

func TestBlockedVCPUNotSaved(t *testing.T) {
	clock := hostclock.NewManualClock()
	v, _ := newTestVCPU(clock, ModeNoDelay)
	v.SetBlocked(true)

	pt := &PeriodicTime{Source: SourceISA}
	Create(v, pt, 10*time.Millisecond, 7, false, nil, nil)

	SaveTimer(v)
	clock.Advance(10 * time.Millisecond)

	if pt.pendingIntrNr == 0 {
		t.Fatalf("expected a blocked vCPU's timer to keep firing through SaveTimer")
	}
}
