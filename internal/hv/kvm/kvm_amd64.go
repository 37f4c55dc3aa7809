//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/uhv/internal/hv"
	"golang.org/x/sys/unix"
)

var (
	regularRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Rax:    true,
		hv.RegisterAMD64Rbx:    true,
		hv.RegisterAMD64Rcx:    true,
		hv.RegisterAMD64Rdx:    true,
		hv.RegisterAMD64Rsi:    true,
		hv.RegisterAMD64Rdi:    true,
		hv.RegisterAMD64Rsp:    true,
		hv.RegisterAMD64Rbp:    true,
		hv.RegisterAMD64R8:     true,
		hv.RegisterAMD64R9:     true,
		hv.RegisterAMD64R10:    true,
		hv.RegisterAMD64R11:    true,
		hv.RegisterAMD64R12:    true,
		hv.RegisterAMD64R13:    true,
		hv.RegisterAMD64R14:    true,
		hv.RegisterAMD64R15:    true,
		hv.RegisterAMD64Rip:    true,
		hv.RegisterAMD64Rflags: true,
	}

	specialRegisters = map[hv.Register]bool{
		hv.RegisterAMD64Cr0:  true,
		hv.RegisterAMD64Cr2:  true,
		hv.RegisterAMD64Cr3:  true,
		hv.RegisterAMD64Cr4:  true,
		hv.RegisterAMD64Efer: true,
		hv.RegisterAMD64Cs:   true,
		hv.RegisterAMD64Ss:   true,
		hv.RegisterAMD64Ds:   true,
		hv.RegisterAMD64Es:   true,
		hv.RegisterAMD64Fs:   true,
		hv.RegisterAMD64Gs:   true,
	}
)

func regsFieldFor(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false
	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, val := range regs {
			if field := regsFieldFor(&regularRegs, reg); field != nil {
				*field = uint64(val.(hv.Register64))
			}
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg, val := range regs {
			u := uint64(0)
			if specialRegisters[reg] {
				u = uint64(val.(hv.Register64))
			}
			switch reg {
			case hv.RegisterAMD64Cr0:
				specialRegs.Cr0 = u
			case hv.RegisterAMD64Cr2:
				specialRegs.Cr2 = u
			case hv.RegisterAMD64Cr3:
				specialRegs.Cr3 = u
			case hv.RegisterAMD64Cr4:
				specialRegs.Cr4 = u
			case hv.RegisterAMD64Efer:
				specialRegs.Efer = u
			case hv.RegisterAMD64Cs:
				specialRegs.Cs.Selector = uint16(u)
			case hv.RegisterAMD64Ss:
				specialRegs.Ss.Selector = uint16(u)
			case hv.RegisterAMD64Ds:
				specialRegs.Ds.Selector = uint16(u)
			case hv.RegisterAMD64Es:
				specialRegs.Es.Selector = uint16(u)
			case hv.RegisterAMD64Fs:
				specialRegs.Fs.Selector = uint16(u)
			case hv.RegisterAMD64Gs:
				specialRegs.Gs.Selector = uint16(u)
			}
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister := false
	hasSpecialRegisters := false

	for reg := range regs {
		if regularRegisters[reg] {
			hasRegularRegister = true
		} else if specialRegisters[reg] {
			hasSpecialRegisters = true
		} else {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			if field := regsFieldFor(&regularRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Cr0:
				regs[reg] = hv.Register64(specialRegs.Cr0)
			case hv.RegisterAMD64Cr2:
				regs[reg] = hv.Register64(specialRegs.Cr2)
			case hv.RegisterAMD64Cr3:
				regs[reg] = hv.Register64(specialRegs.Cr3)
			case hv.RegisterAMD64Cr4:
				regs[reg] = hv.Register64(specialRegs.Cr4)
			case hv.RegisterAMD64Efer:
				regs[reg] = hv.Register64(specialRegs.Efer)
			case hv.RegisterAMD64Cs:
				regs[reg] = hv.Register64(specialRegs.Cs.Selector)
			case hv.RegisterAMD64Ss:
				regs[reg] = hv.Register64(specialRegs.Ss.Selector)
			case hv.RegisterAMD64Ds:
				regs[reg] = hv.Register64(specialRegs.Ds.Selector)
			case hv.RegisterAMD64Es:
				regs[reg] = hv.Register64(specialRegs.Es.Selector)
			case hv.RegisterAMD64Fs:
				regs[reg] = hv.Register64(specialRegs.Fs.Selector)
			case hv.RegisterAMD64Gs:
				regs[reg] = hv.Register64(specialRegs.Gs.Selector)
			}
		}
	}

	return nil
}

func (v *virtualCPU) SetDebug(ctl hv.DebugControl) error {
	var dbg kvmGuestDebug

	if ctl.Enable {
		dbg.Control = kvmGuestDbgEnable
		if ctl.SingleStep {
			dbg.Control |= kvmGuestDbgSingleStep
		}
		if ctl.SwBreak {
			dbg.Control |= kvmGuestDbgUseSwBp
		}
	}

	if err := setGuestDebug(v.fd, &dbg); err != nil {
		return fmt.Errorf("kvm: set guest debug: %w", err)
	}

	return nil
}

func (v *virtualCPU) Run(ctx context.Context) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// Clear immediate_exit left over from a previous kick before arming the
	// cancel hook. An already-cancelled context fires AfterFunc right away,
	// and clearing afterwards would lose that kick.
	run.immediate_exit = 0

	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.requestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				return ctx.Err()
			}

			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, ie.Suberror)
	case kvmExitHlt:
		return hv.ErrVMHalted
	case kvmExitDebug:
		dbg := (*kvmDebugExitArch)(unsafe.Pointer(&run.anon0[0]))
		switch dbg.exception {
		case 1, 3: // #DB single step, #BP software breakpoint
			return hv.ErrDebugTrap
		default:
			return fmt.Errorf("kvm: vCPU %d debug exit with unexpected exception %d at 0x%x",
				v.id, dbg.exception, dbg.pc)
		}
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleIO(ioData)
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		return v.handleMMIO(mmioData)
	case kvmExitShutdown:
		return hv.ErrVMShutdown
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == uint32(kvmSystemEventShutdown) {
			return hv.ErrVMShutdown
		}
		return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
	default:
		return fmt.Errorf("kvm: vCPU %d exited with unhandled reason %s", v.id, reason)
	}
}

func (v *virtualCPU) handleIO(ioData *kvmExitIoData) error {
	for _, dev := range v.vm.devices {
		ioDev, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		for _, r := range ioDev.PortRanges() {
			if !r.Contains(ioData.port) {
				continue
			}

			data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

			if ioData.direction == 0 {
				if err := ioDev.ReadIOPort(v, ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x read: %w", ioData.port, err)
				}
			} else {
				if err := ioDev.WriteIOPort(v, ioData.port, data); err != nil {
					return fmt.Errorf("I/O port 0x%04x write: %w", ioData.port, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles I/O port 0x%04x", ioData.port)
}

func (v *virtualCPU) handleMMIO(mmioData *kvmExitMMIOData) error {
	for _, dev := range v.vm.devices {
		mmioDev, ok := dev.(hv.MemoryMappedIODevice)
		if !ok {
			continue
		}

		addr := mmioData.physAddr
		size := mmioData.len
		for _, region := range mmioDev.MMIORegions() {
			if addr < region.Address || addr+uint64(size) > region.Address+region.Size {
				continue
			}

			data := mmioData.data[:size]

			if mmioData.isWrite == 0 {
				if err := mmioDev.ReadMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO read at 0x%016x: %w", addr, err)
				}
			} else {
				if err := mmioDev.WriteMMIO(addr, data); err != nil {
					return fmt.Errorf("MMIO write at 0x%016x: %w", addr, err)
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no device handles MMIO at 0x%016x", mmioData.physAddr)
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// CR0 bits
const (
	cr0_PE = 1
	cr0_MP = (1 << 1)
	cr0_ET = (1 << 4)
	cr0_NE = (1 << 5)
	cr0_WP = (1 << 16)
	cr0_AM = (1 << 18)
	cr0_PG = (1 << 31)
)

// CR4 bits
const (
	cr4_PAE = (1 << 5)
)

// EFER bits
const (
	efer_LME = (1 << 8)
	efer_LMA = (1 << 10)
)

const (
	pteP  = 1 << 0 // present
	pteRW = 1 << 1 // writable
	pteUS = 1 << 2 // user
	ptePS = 1 << 7 // page-size (2MiB when set in PDE)
)

func (v *virtualCPU) SetLongModeWithSelectors(
	pagingBase uint64,
	addrSpaceSize int,
	codeSelector, dataSelector uint16,
) error {
	memData := v.vm.memory

	host := func(gpa uint64) int {
		if gpa > uint64(len(memData)) {
			panic("GPA outside allocated mem")
		}
		return int(gpa)
	}

	// All paging structures must be 4KiB aligned GPAs.
	pml4Addr := (pagingBase + 0x0000) &^ 0xFFF
	pdptAddr := (pagingBase + 0x1000) &^ 0xFFF
	pdBase := (pagingBase + 0x2000) &^ 0xFFF

	pml4 := (*[512]uint64)(unsafe.Pointer(&memData[host(pml4Addr)]))[:]
	pdpt := (*[512]uint64)(unsafe.Pointer(&memData[host(pdptAddr)]))[:]

	// Zero tables (re-run friendly)
	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}

	// Hook one PD per GiB at pdBase + n*0x1000
	for giB := 0; giB < addrSpaceSize; giB++ {
		pdAddr := pdBase + uint64(giB)*0x1000
		pd := (*[512]uint64)(unsafe.Pointer(&memData[host(pdAddr)]))[:]
		for i := range pd {
			pd[i] = 0
		}

		// PML4[0] -> PDPT (single PML4 covers low 512 GiB)
		pml4[0] = (pdptAddr &^ 0xFFF) | pteP | pteRW | pteUS

		// PDPT[giB] -> PD[giB]
		pdpt[giB] = (pdAddr &^ 0xFFF) | pteP | pteRW | pteUS

		// Fill PD with 2MiB identity mappings for this 1 GiB slice
		baseGiB := uint64(giB) << 30
		for i := range 512 {
			phys := baseGiB | (uint64(i) << 21) // 2MiB step
			pd[i] = (phys &^ 0x1FFFFF) | pteP | pteRW | pteUS | ptePS
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pml4Addr
	sregs.Cr4 |= cr4_PAE
	sregs.Cr0 |= cr0_PE | cr0_MP | cr0_ET | cr0_NE | cr0_WP | cr0_AM | cr0_PG
	sregs.Efer = efer_LME | efer_LMA

	// 64-bit code segment (CS.L=1, D=0), flat data segments
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	if err := setSRegs(v.fd, &sregs); err != nil {
		return err
	}

	return nil
}

// TranslateAddress resolves a guest-virtual address through the vCPU's
// current page tables via KVM_TRANSLATE.
func (v *virtualCPU) TranslateAddress(gva uint64) (uint64, bool, error) {
	tr := kvmTranslation{LinearAddress: gva}
	if err := translate(v.fd, &tr); err != nil {
		return 0, false, fmt.Errorf("kvm: translate 0x%x: %w", gva, err)
	}
	return tr.PhysicalAddress, tr.Valid != 0, nil
}

var (
	_ hv.VirtualCPUAmd64   = &virtualCPU{}
	_ hv.AddressTranslator = &virtualCPU{}
)
