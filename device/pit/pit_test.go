package pit

import (
	"testing"
	"time"

	"github.com/vptcore/vpt/hostclock"
	"github.com/vptcore/vpt/intctl"
	"github.com/vptcore/vpt/vpt"
)

type fakeGuestTime struct{ clock hostclock.Clock }

func (g *fakeGuestTime) GuestTime(*vpt.VCPUTimers) int64     { return g.clock.NowNanoseconds() }
func (g *fakeGuestTime) SetGuestTime(*vpt.VCPUTimers, int64) {}

type noopKicker struct{}

func (noopKicker) KickVCPU(*vpt.VCPUTimers) {}

func newTestVCPU(clock *hostclock.ManualClock) *vpt.VCPUTimers {
	return vpt.NewVCPUTimers(clock, &fakeGuestTime{clock}, noopKicker{}, vpt.ModeNoDelay, 3_000_000, 0)
}

// Writing the low then high byte of a reload value programs and arms the
// timer, matching the 8253's LSB/MSB latch sequencing.
func TestWriteProgramsTimer(t *testing.T) {
	clock := hostclock.NewManualClock()
	v := newTestVCPU(clock)
	p := New(v)

	if err := p.Write(Port0, []byte{0x9C}); err != nil { // low byte of 0x2E9C (100 Hz-ish)
		t.Fatalf("write low byte: %v", err)
	}

	if err := p.Write(Port0, []byte{0x2E}); err != nil {
		t.Fatalf("write high byte: %v", err)
	}

	chip := intctl.NewChip()

	clock.Advance(time.Second)
	vpt.UpdateIRQ(v, chip, chip)

	if n := chip.ISAAssertCount(0); n == 0 {
		t.Fatalf("expected channel 0's IRQ 0 to have been asserted after programming")
	}
}

// Read returns the low byte then the high byte, alternating on every call;
// the LSB/MSB flip-flop is shared with Write.
func TestReadAlternatesLowHigh(t *testing.T) {
	clock := hostclock.NewManualClock()
	v := newTestVCPU(clock)
	p := New(v)

	_ = p.Write(Port0, []byte{0x34})
	_ = p.Write(Port0, []byte{0x12})

	var low, high [1]byte
	if err := p.Read(Port0, low[:]); err != nil {
		t.Fatalf("read low: %v", err)
	}

	if err := p.Read(Port0, high[:]); err != nil {
		t.Fatalf("read high: %v", err)
	}

	if low[0] != 0x34 || high[0] != 0x12 {
		t.Fatalf("expected 0x34 then 0x12, got 0x%x then 0x%x", low[0], high[0])
	}
}

// Writing the control port with channel 0 selected resets the latch
// sequence for the next pair of data writes.
func TestControlPortResetsLatch(t *testing.T) {
	clock := hostclock.NewManualClock()
	v := newTestVCPU(clock)
	p := New(v)

	_ = p.Write(Port0, []byte{0x00}) // consumes the low-byte slot
	_ = p.Write(PortCtrl, []byte{0x30})

	if p.latchHigh {
		t.Fatalf("expected control write selecting channel 0 to reset the latch")
	}
}

func TestWriteInvalidSize(t *testing.T) {
	clock := hostclock.NewManualClock()
	p := New(newTestVCPU(clock))

	if err := p.Write(Port0, []byte{1, 2}); err == nil {
		t.Fatalf("expected an error for a multi-byte access")
	}
}
