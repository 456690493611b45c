package serial

import (
	"fmt"

	"github.com/vptcore/vpt/intctl"
)

const (
	COM1Addr = 0x03f8
	irqLine  = 4
)

// Serial is a minimal 16550-compatible UART model: enough register
// decoding for a guest's serial console driver to talk to it, IRQ 4 wired
// through the emulated ISA interrupt routing rather than any PIT/LAPIC
// timer path.
type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	isa intctl.ISARouter
}

func New(isa intctl.ISARouter) (*Serial, error) {
	s := &Serial{
		IER:       0,
		LCR:       0,
		inputChan: make(chan byte, 10000),
		isa:       isa,
	}

	return s, nil
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

// InjectIRQ asserts or deasserts IRQ 4 depending on level, routed through
// whichever of the PIC or I/O APIC the ISA router currently has enabled.
func (s *Serial) InjectIRQ(level uint32) {
	if level != 0 {
		s.isa.AssertISA(irqLine)
	} else {
		s.isa.DeassertISA(irqLine)
	}
}

func (s *Serial) In(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		if len(s.inputChan) > 0 {
			values[0] = <-s.inputChan
		}
	case port == 0 && s.dlab():
		// DLL
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		// IER
		values[0] = s.IER
	case port == 1 && s.dlab():
		// DLM
		values[0] = 0x0 // baud rate 9600
	case port == 2:
		// IIR
	case port == 3:
		// LCR
	case port == 4:
		// MCR
	case port == 5:
		// LSR
		values[0] = 0x60 // THR is empty
		if len(s.inputChan) > 0 {
			values[0] |= 0x1 // Data available
		}
	case port == 6:
		// MSR
	}

	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		fmt.Printf("%c", values[0])
	case port == 0 && s.dlab():
		// DLL
	case port == 1 && !s.dlab():
		// IER
		s.IER = values[0]
		if s.IER != 0 {
			s.InjectIRQ(1)
		}
	case port == 1 && s.dlab():
		// DLM
	case port == 2:
		// FCR
	case port == 3:
		// LCR
		s.LCR = values[0]
	case port == 4:
		// MCR
	}

	return nil
}
