package vpt

import "github.com/vptcore/vpt/intctl"

// UpdateIRQ selects and delivers at most one pending timer interrupt to the
// guest (pt_update_irq in the original source). It is meant to be called on
// the vCPU's way back into guest context, after every VM exit: with
// multiple timers pending, it always picks the one furthest behind guest
// time, so a guest recovering from a long deschedule catches up on its
// oldest debt first rather than round-robining.
//
// A record already marked irqIssued is skipped: it already has a vector in
// flight and must be acknowledged (IntrPost) before it can be reselected.
func UpdateIRQ(v *VCPUTimers, lapic intctl.LAPICSink, isa intctl.ISARouter) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var earliest *PeriodicTime

	for pt := range v.list {
		if pt.pendingIntrNr == 0 || pt.irqIssued {
			continue
		}

		if irqMasked(pt, lapic, isa) {
			continue
		}

		if earliest == nil || pt.lastPltGTime+int64(pt.periodCycles) < earliest.lastPltGTime+int64(earliest.periodCycles) {
			earliest = pt
		}
	}

	if earliest == nil {
		return
	}

	switch earliest.Source {
	case SourceLAPIC:
		lapic.AssertVector(earliest.irq)
	case SourceISA:
		// The emulated 8259 is level-sensitive: a second assert without an
		// intervening deassert is collapsed, so prime the line low first.
		isa.DeassertISA(earliest.irq)
		isa.AssertISA(earliest.irq)
	}

	earliest.irqIssued = true
}

// irqMasked reports whether pt's line is currently masked off by the
// emulated controller it targets, and so cannot be a delivery candidate
// this round.
func irqMasked(pt *PeriodicTime, lapic intctl.LAPICSink, isa intctl.ISARouter) bool {
	switch pt.Source {
	case SourceLAPIC:
		if lapic == nil {
			return true
		}

		return !lapic.Enabled() || lapic.LVTTMasked()

	case SourceISA:
		if isa == nil {
			return true
		}

		gsi := isa.ISAIRQToGSI(pt.irq)
		picBlocked := isa.PICMasked(pt.irq) || !isa.AcceptsPICIntr()
		ioapicBlocked := isa.IOAPICMasked(gsi)

		// An ISA line reaches the guest through the 8259 pair or through
		// the I/O APIC's redirection table; it's only truly masked when
		// both paths are closed.
		return picBlocked && ioapicBlocked

	default:
		return true
	}
}

// irqVector resolves which vector an ISA-source pt's line would be
// acknowledged on, and through which controller, given the PIC is
// preferred over the I/O APIC whenever it will accept the intr (the
// original source's hvm_isa_irq_vector / hvm_isa_irq_to_gsi preference
// order). Not meaningful for LAPIC-source timers, whose vector is an
// opaque value carried in pt.irq.
func irqVector(pt *PeriodicTime, isa intctl.ISARouter) (vector uint8, ackSrc AckSource) {
	if isa.AcceptsPICIntr() && !isa.PICMasked(pt.irq) {
		return isa.PICVector(pt.irq), AckSourcePIC
	}

	gsi := isa.ISAIRQToGSI(pt.irq)

	return isa.IOAPICVector(gsi), AckSourceLAPIC
}
