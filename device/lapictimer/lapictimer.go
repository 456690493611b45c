// Package lapictimer models the local APIC's built-in timer: the LVT Timer
// register plus the initial-count/divide-configuration registers, wired to
// the VPT core instead of a free-running hardware counter.
package lapictimer

import (
	"time"

	"github.com/vptcore/vpt/intctl"
	"github.com/vptcore/vpt/vpt"
)

// divideValues maps the 4-bit divide-configuration-register encoding (bits
// 3,1,0; bit 2 is always 0) to the actual divisor, per the APIC
// architecture.
var divideValues = [8]uint32{2, 4, 8, 16, 32, 64, 128, 1}

// Register offsets within the LAPIC's 4 KiB MMIO page, relative to its
// base (the architectural layout, not a VPT convention).
const (
	RegLVTTimer     = 0x320
	RegInitialCount = 0x380
	RegCurrentCount = 0x390
	RegDivideConfig = 0x3E0
)

// LAPICTimer is one vCPU's local APIC timer. busFreqHz is the frequency the
// timer's internal counter runs at before the divide-configuration register
// divides it down.
type LAPICTimer struct {
	v    *vpt.VCPUTimers
	chip *intctl.Chip
	pt   vpt.PeriodicTime

	busFreqHz uint64

	vector   uint8
	periodic bool
	divide   uint32
	initial  uint32
}

// New binds a LAPIC timer to vCPU v, asserting through chip. The timer is
// not armed until the guest writes a non-zero initial count.
func New(v *vpt.VCPUTimers, chip *intctl.Chip, busFreqHz uint64) *LAPICTimer {
	t := &LAPICTimer{v: v, chip: chip, busFreqHz: busFreqHz, divide: 1}
	t.pt.Source = vpt.SourceLAPIC

	return t
}

// WriteLVTTimer programs the LVT Timer register: the interrupt vector,
// whether it's currently masked, and one-shot vs periodic mode.
func (t *LAPICTimer) WriteLVTTimer(vector uint8, masked, periodic bool) {
	t.vector = vector
	t.periodic = periodic
	t.chip.SetLVTTMasked(masked)
	t.rearm()
}

// WriteDivideConfig programs the divide-configuration register from its raw
// 4-bit encoding.
func (t *LAPICTimer) WriteDivideConfig(encoded uint8) {
	t.divide = divideValues[(encoded>>1)&0x4|encoded&0x3]
	t.rearm()
}

// WriteInitialCount programs the initial-count register, arming the timer.
// Per the APIC architecture, writing initial count also immediately loads
// current count and starts the timer.
func (t *LAPICTimer) WriteInitialCount(count uint32) {
	t.initial = count
	t.rearm()
}

// WriteRegister dispatches an MMIO write at offset (relative to the LAPIC
// base) to whichever of the three timer registers it targets. Offsets
// outside the timer's own registers are ignored: the rest of the LAPIC
// page (ID, TPR, ICR, the other LVT entries, ...) isn't modeled.
func (t *LAPICTimer) WriteRegister(offset uint32, value uint32) {
	switch offset {
	case RegLVTTimer:
		t.WriteLVTTimer(uint8(value&0xFF), value&(1<<16) != 0, value&(1<<17) != 0)
	case RegInitialCount:
		t.WriteInitialCount(value)
	case RegDivideConfig:
		t.WriteDivideConfig(uint8(value & 0xF))
	}
}

// ReadRegister returns the last programmed value of whichever timer
// register offset names, or 0 for anything else on the page. The
// current-count register reads back the initial count; it does not count
// down.
func (t *LAPICTimer) ReadRegister(offset uint32) uint32 {
	switch offset {
	case RegLVTTimer:
		v := uint32(t.vector)
		if t.chip.LVTTMasked() {
			v |= 1 << 16
		}

		if t.periodic {
			v |= 1 << 17
		}

		return v
	case RegInitialCount, RegCurrentCount:
		return t.initial
	case RegDivideConfig:
		for encoded, div := range divideValues {
			if div == t.divide {
				return uint32(encoded&0x4)<<1 | uint32(encoded&0x3)
			}
		}

		return 0
	default:
		return 0
	}
}

func (t *LAPICTimer) rearm() {
	if t.initial == 0 {
		vpt.Destroy(&t.pt)

		return
	}

	ticks := float64(t.initial) * float64(t.divide)
	period := time.Duration(ticks / float64(t.busFreqHz) * float64(time.Second))

	vpt.Create(t.v, &t.pt, period, t.vector, !t.periodic, nil, nil)
}
