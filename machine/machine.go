// Package machine is the demo run-harness around the VPT core: a single
// small flat guest, a KVM in-kernel irqchip for real interrupt delivery, and
// per-vCPU virtual timer sets (PIT channel 0 and one LAPIC timer per vCPU)
// driven by package vpt.
package machine

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/vptcore/vpt/device"
	"github.com/vptcore/vpt/device/lapictimer"
	"github.com/vptcore/vpt/device/pit"
	"github.com/vptcore/vpt/hostclock"
	"github.com/vptcore/vpt/intctl"
	"github.com/vptcore/vpt/kvm"
	"github.com/vptcore/vpt/serial"
	"github.com/vptcore/vpt/vpt"
)

const (
	memSize = 1 << 24 // 16 MiB: ample for a flat demo payload, not a Linux guest

	// cpuKHz is the host frequency handed to the VPT core for period_cycles
	// accounting; it doesn't need to match the real host TSC for the demo
	// harness, only be self-consistent.
	cpuKHz = 3_000_000

	// lapicBusFreqHz is the bus clock the LAPIC timer's divider runs off.
	lapicBusFreqHz = 100_000_000

	// lapicBase is the local APIC's architectural MMIO base on a PC
	// chipset that hasn't relocated it via IA32_APIC_BASE.
	lapicBase = 0xFEE00000
)

// kvmISARouter is intctl.ISARouter backed by a real in-kernel irqchip:
// masking/vector-resolution bookkeeping goes through the embedded software
// Chip (so pt_update_irq's decisions match what the guest's PIC/IOAPIC
// registers actually say), but assertion is a real KVM_IRQ_LINE ioctl so
// the guest actually observes the interrupt.
type kvmISARouter struct {
	*intctl.Chip

	vmFd uintptr
}

func (r *kvmISARouter) AssertISA(isaIRQ uint8) {
	r.Chip.AssertISA(isaIRQ)
	_ = kvm.IRQLine(r.vmFd, uint32(isaIRQ), 1)
}

func (r *kvmISARouter) DeassertISA(isaIRQ uint8) {
	r.Chip.DeassertISA(isaIRQ)
	_ = kvm.IRQLine(r.vmFd, uint32(isaIRQ), 0)
}

// vcpuGuestTime is the demo's GuestTime collaborator: guest time tracks the
// host clock exactly, plus whatever offset SetGuestTime has accumulated.
// A real hypervisor's guest time is also subject to TSC scaling and
// stolen-time accounting; neither is modeled here.
type vcpuGuestTime struct {
	clock  hostclock.Clock
	offset int64
}

func (g *vcpuGuestTime) GuestTime(*vpt.VCPUTimers) int64 {
	return g.clock.NowNanoseconds() + g.offset
}

func (g *vcpuGuestTime) SetGuestTime(_ *vpt.VCPUTimers, ns int64) {
	g.offset = ns - g.clock.NowNanoseconds()
}

// noopKicker is the demo's Kicker: RunInfiniteLoop already re-enters
// KVM_RUN on every iteration and calls UpdateIRQ first thing, so there is no
// separate "wake a blocked vCPU" signal to deliver.
type noopKicker struct{}

func (noopKicker) KickVCPU(*vpt.VCPUTimers) {}

// Machine is one KVM-backed VM: a handful of vCPUs, a flat chunk of guest
// memory, an in-kernel irqchip, and the VPT-driven device set (serial, PIT,
// one LAPIC timer per vCPU).
type Machine struct {
	kvmFile     *os.File // kept open: kvmFd is only valid as long as this isn't GC'd
	kvmFd, vmFd uintptr
	vcpuFds     []uintptr
	runs        []*kvm.RunData
	mem         []byte

	chip *intctl.Chip
	isa  *kvmISARouter

	timers      []*vpt.VCPUTimers
	guestClocks []*vcpuGuestTime
	lapics      []*lapictimer.LAPICTimer

	serial *serial.Serial
	pit    *pit.PIT
	post   *device.PostCodeDevice

	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error
}

// New creates a VM with nCPUs vCPUs, an in-kernel irqchip and PIT, a flat
// memory region, and the VPT-driven device set. No guest code is loaded
// yet; call LoadFlatBinary next.
func New(nCPUs int) (*Machine, error) {
	m := &Machine{}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return m, fmt.Errorf("/dev/kvm: %w", err)
	}

	m.kvmFile = devKVM
	m.kvmFd = devKVM.Fd()
	m.vcpuFds = make([]uintptr, nCPUs)
	m.runs = make([]*kvm.RunData, nCPUs)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, fmt.Errorf("CreatePIT2: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	m.chip = intctl.NewChip()
	m.isa = &kvmISARouter{Chip: m.chip, vmFd: m.vmFd}

	for i := 0; i < nCPUs; i++ {
		m.vcpuFds[i], err = kvm.CreateVCPU(m.vmFd)
		if err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(m.vcpuFds[i]), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[i] = (*kvm.RunData)(unsafe.Pointer(&r[0]))

		gt := &vcpuGuestTime{clock: hostclock.RealClock{}}
		m.guestClocks = append(m.guestClocks, gt)

		timers := vpt.NewVCPUTimers(hostclock.RealClock{}, gt, noopKicker{}, vpt.ModeNoDelay, cpuKHz, i)
		m.timers = append(m.timers, timers)
		m.lapics = append(m.lapics, lapictimer.New(timers, m.chip, lapicBusFreqHz))
	}

	m.mem, err = syscall.Mmap(-1, 0, memSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return m, err
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return m, err
	}

	m.pit = pit.New(m.timers[0])

	if m.serial, err = serial.New(m.isa); err != nil {
		return m, err
	}

	m.post = &device.PostCodeDevice{}

	for i := range m.vcpuFds {
		if err := m.initRegs(i); err != nil {
			return m, err
		}

		if err := m.initSregs(i); err != nil {
			return m, err
		}
	}

	m.initIOPortHandlers()

	return m, nil
}

// LoadFlatBinary copies a flat (no ELF/bzImage headers) real-mode-off,
// 32-bit protected-mode binary into guest memory at loadAddr and points
// every vCPU's RIP at it. Meant for small hand-assembled demo payloads that
// exercise the timer and serial devices, not a full OS boot.
func (m *Machine) LoadFlatBinary(path string, loadAddr uint64) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	copy(m.mem[loadAddr:], code)

	for i := range m.vcpuFds {
		regs, err := kvm.GetRegs(m.vcpuFds[i])
		if err != nil {
			return err
		}

		regs.RFLAGS = 2
		regs.RIP = loadAddr

		if err := kvm.SetRegs(m.vcpuFds[i], regs); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) initRegs(i int) error {
	regs, err := kvm.GetRegs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	regs.RFLAGS = 2

	return kvm.SetRegs(m.vcpuFds[i], regs)
}

func (m *Machine) initSregs(i int) error {
	sregs, err := kvm.GetSregs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	// Flat, unpaged 32-bit protected mode: every segment covers the whole
	// address space, so guest virtual == guest physical.
	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return kvm.SetSregs(m.vcpuFds[i], sregs)
}

// GetRegs exposes a vCPU's general registers, for debugging and tests.
func (m *Machine) GetRegs(cpu int) (kvm.Regs, error) {
	return kvm.GetRegs(m.vcpuFds[cpu])
}

// SetGuestTimeOffset rewinds or fast-forwards vCPU cpu's guest-visible
// time, e.g. to land a guest at a chosen wall-clock reading on boot.
func (m *Machine) SetGuestTimeOffset(cpu int, ns int64) {
	m.guestClocks[cpu].SetGuestTime(m.timers[cpu], ns)
}

// RunInfiniteLoop drives vCPU i until it halts or errors. Must be called
// from the goroutine that created the vCPU and stays on that OS thread for
// its whole lifetime, per the KVM API's single-thread-per-vCPU contract.
func (m *Machine) RunInfiniteLoop(i int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(i)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce selects and delivers at most one pending timer interrupt, runs
// the vCPU once, and handles whatever it exits for.
func (m *Machine) RunOnce(i int) (bool, error) {
	m.pumpTimerIRQs(i)

	err := kvm.Run(m.vcpuFds[i])

	switch kvm.ExitType(m.runs[i].ExitReason) {
	case kvm.EXITHLT:
		// A halted vCPU is descheduled in spirit: stop the host timer of
		// every record not marked do_not_freeze, then mark the vCPU
		// blocked. SaveTimer runs first because it returns early for a
		// vCPU already marked blocked.
		vpt.SaveTimer(m.timers[i])
		m.timers[i].SetBlocked(true)

		return false, err
	case kvm.EXITIO:
		direction, size, port, count, offset := m.runs[i].IO()
		f := m.ioportHandlers[port][direction]
		bytes := (*(*[8]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.runs[i])) + uintptr(offset))))[0:size]

		for c := 0; c < int(count); c++ {
			if err := f(m, port, bytes); err != nil {
				return false, err
			}
		}

		return true, err
	case kvm.EXITMMIO:
		physAddr, data, isWrite := m.runs[i].MMIO()
		if physAddr >= lapicBase && physAddr < lapicBase+0x1000 && len(data) >= 4 {
			offset := uint32(physAddr - lapicBase)
			if isWrite {
				m.lapics[i].WriteRegister(offset, binary.LittleEndian.Uint32(data))
			} else {
				binary.LittleEndian.PutUint32(data, m.lapics[i].ReadRegister(offset))
			}
		}

		return true, err
	case kvm.EXITUNKNOWN:
		return true, err
	case kvm.EXITINTR:
		// A signal landed on the thread hosting the vCPU; re-enter.
		return true, nil
	default:
		if err != nil {
			return false, err
		}

		if inst, _, asm, derr := m.disassembleAt(i); derr == nil {
			return false, fmt.Errorf("%w: %d at %s (%v)", kvm.ErrUnexpectedExitReason, m.runs[i].ExitReason, asm, inst.Op)
		}

		return false, fmt.Errorf("%w: %d", kvm.ErrUnexpectedExitReason, m.runs[i].ExitReason)
	}
}

// pumpTimerIRQs is the per-exit injection step: select the most-behind
// eligible timer and assert its line, then immediately resolve it. Real
// hardware's ack comes from the guest's own EOI, asynchronously; this demo
// harness has no guest interrupt handler sophisticated enough to produce
// one, so it pulses the line and reconciles in the same step instead.
func (m *Machine) pumpTimerIRQs(i int) {
	vpt.UpdateIRQ(m.timers[i], m.chip, m.isa)

	for _, isaIRQ := range m.chip.TakeAssertedISA() {
		vector := m.chip.PICVector(isaIRQ)
		m.isa.DeassertISA(isaIRQ)
		vpt.IntrPost(m.timers[i], vector, vpt.AckSourcePIC, m.isa)
	}

	for _, vector := range m.chip.TakeAssertedLAPIC() {
		vpt.IntrPost(m.timers[i], vector, vpt.AckSourceLAPIC, m.isa)
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error { return nil }

	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	for port := 0; port < 0x10000; port++ {
		for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
			m.ioportHandlers[port][dir] = funcError
		}
	}

	// CMOS clock: not modeled, but probed by most BIOSes on boot.
	for port := 0x70; port <= 0x71; port++ {
		for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
			m.ioportHandlers[port][dir] = funcNone
		}
	}

	for port := serial.COM1Addr; port < serial.COM1Addr+8; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.In(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.Out(port, bytes)
		}
	}

	m.ioportHandlers[pit.Port0][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pit.Read(port, bytes)
	}
	m.ioportHandlers[pit.Port0][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pit.Write(port, bytes)
	}
	m.ioportHandlers[pit.PortCtrl][kvm.EXITIOIN] = funcNone
	m.ioportHandlers[pit.PortCtrl][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pit.Write(port, bytes)
	}

	m.ioportHandlers[m.post.IOPort()][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
		return m.post.Read(port, bytes)
	}
	m.ioportHandlers[m.post.IOPort()][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.post.Write(port, bytes)
	}
}

// InjectSerialIRQ pulses IRQ 4 for the serial console: kept for devices
// that want to assert it outside the timer-driven path (the UART's own IER
// writes going non-zero).
func (m *Machine) InjectSerialIRQ() error {
	m.serial.InjectIRQ(1)
	m.serial.InjectIRQ(0)

	return nil
}
