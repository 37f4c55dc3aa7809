package vmm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/uhv/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

// diagnose logs the faulting vCPU's state when a run loop hits a fatal
// condition: instruction pointer, the decoded instruction under it, and the
// registers that usually matter. Best effort; the VM is already dead.
func (m *VMM) diagnose(id int, runErr error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(0),
		hv.RegisterAMD64Rsp: hv.Register64(0),
		hv.RegisterAMD64Rax: hv.Register64(0),
		hv.RegisterAMD64Cr2: hv.Register64(0),
	}
	var codeGPA uint64
	mapped := true
	err := m.vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}

		// RIP is virtual; resolve it through the guest's page tables when
		// the backend can, otherwise assume identity mapping.
		rip := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64))
		codeGPA = rip
		if tr, ok := vcpu.(hv.AddressTranslator); ok {
			gpa, valid, terr := tr.TranslateAddress(rip)
			if terr != nil || !valid {
				mapped = false
			} else {
				codeGPA = gpa
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("vCPU fatal exit", "cpu", id, "error", runErr)
		return
	}

	rip := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64))

	instruction := "<unreadable>"
	if mapped {
		if code, serr := m.vm.Slice(codeGPA, 16); serr == nil {
			if inst, derr := x86asm.Decode(code, 64); derr == nil {
				instruction = inst.String()
			}
		}
	}

	slog.Error("vCPU fatal exit",
		"cpu", id,
		"rip", fmt.Sprintf("0x%016x", rip),
		"rsp", fmt.Sprintf("0x%016x", uint64(regs[hv.RegisterAMD64Rsp].(hv.Register64))),
		"rax", fmt.Sprintf("0x%016x", uint64(regs[hv.RegisterAMD64Rax].(hv.Register64))),
		"cr2", fmt.Sprintf("0x%016x", uint64(regs[hv.RegisterAMD64Cr2].(hv.Register64))),
		"instruction", instruction,
		"error", runErr)
}
