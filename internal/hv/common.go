// Package hv defines the capability interface between the VMM core and the
// platform virtualization primitives. The core drives these interfaces; the
// concrete backend (internal/hv/kvm on Linux) owns the ioctl-level details.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrVMShutdown            = errors.New("virtual machine shutdown")
	ErrDebugTrap             = errors.New("virtual machine debug trap")
	ErrOutOfRange            = errors.New("guest physical address out of range")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// Special registers. The selector value is exposed for the segment
	// registers; descriptor caches stay inside the backend.
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
	RegisterAMD64Cs
	RegisterAMD64Ss
	RegisterAMD64Ds
	RegisterAMD64Es
	RegisterAMD64Fs
	RegisterAMD64Gs
)

// GPRegisters lists the general-purpose registers in the order remote
// debuggers expect them to be reported.
var GPRegisters = []Register{
	RegisterAMD64Rax, RegisterAMD64Rbx, RegisterAMD64Rcx, RegisterAMD64Rdx,
	RegisterAMD64Rsi, RegisterAMD64Rdi, RegisterAMD64Rbp, RegisterAMD64Rsp,
	RegisterAMD64R8, RegisterAMD64R9, RegisterAMD64R10, RegisterAMD64R11,
	RegisterAMD64R12, RegisterAMD64R13, RegisterAMD64R14, RegisterAMD64R15,
	RegisterAMD64Rip, RegisterAMD64Rflags,
	RegisterAMD64Cs, RegisterAMD64Ss, RegisterAMD64Ds,
	RegisterAMD64Es, RegisterAMD64Fs, RegisterAMD64Gs,
}

// DebugControl selects the guest-debug features the backend arms before the
// next Run. Software breakpoints make patched INT3 instructions trap to the
// host (ErrDebugTrap) instead of being delivered to the guest.
type DebugControl struct {
	Enable     bool
	SingleStep bool
	SwBreak    bool
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// SetDebug arms or disarms guest-debug traps for this vCPU.
	SetDebug(ctl DebugControl) error

	// Run enters the guest and returns after one VM exit. I/O port and MMIO
	// exits are dispatched to registered devices before Run returns nil.
	// Halt reports ErrVMHalted, a debug trap reports ErrDebugTrap, and a
	// cancelled context interrupts the guest and reports ctx.Err().
	Run(ctx context.Context) error
}

// AddressTranslator is an optional VirtualCPU capability: the backend walks
// the guest's page tables to resolve a guest-virtual address to
// guest-physical. valid is false when no mapping exists.
type AddressTranslator interface {
	TranslateAddress(gva uint64) (gpa uint64, valid bool, err error)
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	SetLongModeWithSelectors(
		pagingBase uint64,
		addrSpaceSize int,
		codeSelector, dataSelector uint16,
	) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// PortRange is a half-open range of x86 I/O ports claimed by a device.
type PortRange struct {
	Start uint16
	End   uint16
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port < r.End
}

type X86IOPortDevice interface {
	Device

	PortRanges() []PortRange

	ReadIOPort(vcpu VirtualCPU, port uint16, data []byte) error
	WriteIOPort(vcpu VirtualCPU, port uint16, data []byte) error
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64

	// Slice aliases guest memory [addr, addr+length). The backing buffer is
	// allocated once at VM creation and never moves, so the slice stays
	// valid for the VM's lifetime. Returns ErrOutOfRange if any byte of the
	// range falls outside guest memory.
	Slice(addr uint64, length uint64) ([]byte, error)

	// VirtualCPUCall runs f on the OS thread owning vCPU id and waits for
	// it to finish. All register access and Run calls go through here.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMConfig struct {
	CPUCount   int
	MemorySize uint64
}

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
