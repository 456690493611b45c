// Package intctl models the emulated interrupt controllers the VPT core
// depends on but does not own: the per-vCPU local APIC, the ISA 8259 PIC
// pair, and the I/O APIC. spec.md lists these as external collaborators
// referenced only by interface; this package supplies the two interfaces
// the VPT injection selector and ack path actually call (LAPICSink,
// ISARouter) plus a software reference implementation, Chip, good enough to
// drive the vpt package's own tests and the demo machine without a real
// KVM irqchip.
package intctl

// LAPICSink is the local APIC as seen by a LAPIC-source periodic timer:
// whether it currently accepts interrupts at all, whether its timer line is
// masked, and how to deliver a vector.
type LAPICSink interface {
	// Enabled reports whether the vLAPIC is software-enabled.
	Enabled() bool

	// LVTTMasked reports whether LVTT (the LVT Timer register) has its
	// mask bit set.
	LVTTMasked() bool

	// AssertVector injects vector directly (edge-triggered).
	AssertVector(vector uint8)
}

// ISARouter is the ISA interrupt fabric (8259 PIC pair + I/O APIC) as seen
// by an ISA-source periodic timer.
type ISARouter interface {
	// PICMasked reports whether isaIRQ is masked in its 8259's IMR.
	PICMasked(isaIRQ uint8) bool

	// AcceptsPICIntr reports whether the LAPIC is currently willing to
	// take interrupts from the PIC at all (ExtINT routing).
	AcceptsPICIntr() bool

	// IOAPICMasked reports whether the I/O APIC redirection entry at gsi
	// has its mask bit set.
	IOAPICMasked(gsi uint8) bool

	// ISAIRQToGSI maps a legacy ISA IRQ number to its I/O APIC input
	// (global system interrupt).
	ISAIRQToGSI(isaIRQ uint8) uint8

	// PICVector returns the vector the PIC would deliver for isaIRQ:
	// irq_base of the owning 8259 plus the line's position within it.
	PICVector(isaIRQ uint8) uint8

	// IOAPICVector returns the vector field of the I/O APIC redirection
	// entry at gsi.
	IOAPICVector(gsi uint8) uint8

	// AssertISA asserts the ISA line. Level-sensitive: a second assert
	// without an intervening deassert is collapsed by the controller,
	// which is exactly why the injection selector always deasserts first.
	AssertISA(isaIRQ uint8)

	// DeassertISA deasserts the ISA line.
	DeassertISA(isaIRQ uint8)
}
