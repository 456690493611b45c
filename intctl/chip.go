package intctl

import "sync"

// Chip is a minimal software reference implementation of LAPICSink and
// ISARouter: one vLAPIC, the master/slave 8259 pair (vpic[0], vpic[1], as in
// the ISA IRQ >> 3 indexing from the original Xen source), and an I/O APIC
// redirection table keyed by GSI. It exists so the vpt package's tests and
// the demo machine have somewhere concrete to assert/mask/vector against
// without a real KVM irqchip.
type Chip struct {
	mu sync.Mutex

	lapicEnabled bool
	lvttMasked   bool

	// picIMR and picIRQBase are indexed by 8259 number: 0 = master
	// (ISA IRQ 0-7), 1 = slave (ISA IRQ 8-15), matching
	// vpic[isa_irq >> 3] in the original source.
	picIMR         [2]uint8
	picIRQBase     [2]uint8
	picAcceptsIntr bool

	ioapicMask   map[uint8]bool
	ioapicVector map[uint8]uint8

	// asserted/deasserted record line transitions for tests.
	assertedLAPIC []uint8
	assertedISA   []uint8
	deassertedISA []uint8
}

var (
	_ LAPICSink = (*Chip)(nil)
	_ ISARouter = (*Chip)(nil)
)

// NewChip returns a Chip with the LAPIC enabled, unmasked, the PIC
// identity-mapped (irq_base 0x20/0x28, the Linux convention), nothing
// masked, and the I/O APIC identity-mapped to GSIs equal to their ISA IRQ
// number (the common uniprocessor routing).
func NewChip() *Chip {
	return &Chip{
		lapicEnabled:   true,
		picAcceptsIntr: true,
		picIRQBase:     [2]uint8{0x20, 0x28},
		ioapicMask:     make(map[uint8]bool),
		ioapicVector:   make(map[uint8]uint8),
	}
}

// SetLAPICEnabled toggles whether the vLAPIC accepts interrupts at all.
func (c *Chip) SetLAPICEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lapicEnabled = enabled
}

// SetLVTTMasked sets the LVT Timer register's mask bit.
func (c *Chip) SetLVTTMasked(masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lvttMasked = masked
}

// SetPICMasked sets or clears isaIRQ's bit in its 8259's IMR.
func (c *Chip) SetPICMasked(isaIRQ uint8, masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pic, bit := isaIRQ>>3, isaIRQ&7
	if masked {
		c.picIMR[pic] |= 1 << bit
	} else {
		c.picIMR[pic] &^= 1 << bit
	}
}

// SetPICAcceptsIntr controls whether the LAPIC is wired to accept ExtINT
// from the PIC (vlapic_accept_pic_intr in the original source).
func (c *Chip) SetPICAcceptsIntr(accepts bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.picAcceptsIntr = accepts
}

// SetIOAPICMasked sets or clears the redirection entry's mask bit at gsi.
func (c *Chip) SetIOAPICMasked(gsi uint8, masked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ioapicMask[gsi] = masked
}

// SetIOAPICVector sets the redirection entry's vector field at gsi.
func (c *Chip) SetIOAPICVector(gsi, vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ioapicVector[gsi] = vector
}

// Enabled implements LAPICSink.
func (c *Chip) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lapicEnabled
}

// LVTTMasked implements LAPICSink.
func (c *Chip) LVTTMasked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lvttMasked
}

// AssertVector implements LAPICSink.
func (c *Chip) AssertVector(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertedLAPIC = append(c.assertedLAPIC, vector)
}

// PICMasked implements ISARouter.
func (c *Chip) PICMasked(isaIRQ uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pic, bit := isaIRQ>>3, isaIRQ&7

	return c.picIMR[pic]&(1<<bit) != 0
}

// AcceptsPICIntr implements ISARouter.
func (c *Chip) AcceptsPICIntr() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.picAcceptsIntr
}

// IOAPICMasked implements ISARouter.
func (c *Chip) IOAPICMasked(gsi uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ioapicMask[gsi]
}

// ISAIRQToGSI implements ISARouter with the identity routing used for the
// first 16 GSIs on a standard PC chipset.
func (c *Chip) ISAIRQToGSI(isaIRQ uint8) uint8 { return isaIRQ }

// PICVector implements ISARouter.
func (c *Chip) PICVector(isaIRQ uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pic, bit := isaIRQ>>3, isaIRQ&7

	return c.picIRQBase[pic] + bit
}

// IOAPICVector implements ISARouter.
func (c *Chip) IOAPICVector(gsi uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ioapicVector[gsi]
}

// AssertISA implements ISARouter.
func (c *Chip) AssertISA(isaIRQ uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assertedISA = append(c.assertedISA, isaIRQ)
}

// DeassertISA implements ISARouter.
func (c *Chip) DeassertISA(isaIRQ uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deassertedISA = append(c.deassertedISA, isaIRQ)
}

// LastAssertedVector returns the most recently asserted LAPIC vector, for
// test assertions. The second return is false if none has been asserted.
func (c *Chip) LastAssertedVector() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.assertedLAPIC) == 0 {
		return 0, false
	}

	return c.assertedLAPIC[len(c.assertedLAPIC)-1], true
}

// TakeAssertedLAPIC drains and returns every vector asserted since the last
// call, in order. Used by a machine's run loop to resolve which timer to
// acknowledge without tracking vectors itself.
func (c *Chip) TakeAssertedLAPIC() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	taken := c.assertedLAPIC
	c.assertedLAPIC = nil

	return taken
}

// TakeAssertedISA drains and returns every ISA IRQ asserted since the last
// call, in order.
func (c *Chip) TakeAssertedISA() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	taken := c.assertedISA
	c.assertedISA = nil

	return taken
}

// ISAAssertCount returns how many times AssertISA has been called for
// isaIRQ, for test assertions.
func (c *Chip) ISAAssertCount(isaIRQ uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for _, irq := range c.assertedISA {
		if irq == isaIRQ {
			n++
		}
	}

	return n
}
