package machine

import (
	"fmt"

	"github.com/vptcore/vpt/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// disassembleAt decodes the instruction at vCPU i's current RIP directly
// out of guest memory, for diagnostics on an exit reason RunOnce doesn't
// otherwise know how to handle. The guest runs flat and unpaged (initSregs
// never sets CR0.PG), so RIP is a guest-physical offset into m.mem with no
// translation step required — there is no ptrace here to fall back on, KVM
// ioctls are the only window this harness has into the guest.
func (m *Machine) disassembleAt(i int) (x86asm.Inst, uint64, string, error) {
	regs, err := kvm.GetRegs(m.vcpuFds[i])
	if err != nil {
		return x86asm.Inst{}, 0, "", err
	}

	rip := regs.RIP
	if rip >= uint64(len(m.mem)) {
		return x86asm.Inst{}, rip, "", fmt.Errorf("rip 0x%x outside guest memory", rip)
	}

	end := rip + 16
	if end > uint64(len(m.mem)) {
		end = uint64(len(m.mem))
	}

	inst, err := x86asm.Decode(m.mem[rip:end], 32)
	if err != nil {
		return x86asm.Inst{}, rip, "", err
	}

	return inst, rip, x86asm.GNUSyntax(inst, rip, nil), nil
}
