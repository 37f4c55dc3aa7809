package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/uhv/internal/hv"
)

// Boot-info block, version 1. It lives in the reserved page at the top of
// guest memory; the boot CPU receives its address in RDI.
//
//	0	uint32	magic (BootMagic)
//	4	uint32	version (BootVersion)
//	8	uint64	memory size in bytes
//	16	uint32	configured vCPU count
//	20	uint32	online CPU count, incremented by the guest as cores come up
//	24	uint64	command line address (guest physical)
//	32	uint64	command line length in bytes
const (
	BootMagic   uint32 = 0xC0DECAFE
	BootVersion uint32 = 1

	BootInfoSize    = 40
	BootInfoReserve = 0x1000
)

type BootInfo struct {
	MemorySize  uint64
	CPUCount    uint32
	CmdlineAddr PhysAddr
	CmdlineLen  uint64
}

// BootInfoAddr returns the boot-info block's location: the start of the
// reserved top page of guest memory.
func BootInfoAddr(memorySize uint64) PhysAddr {
	return memorySize - BootInfoReserve
}

// StackTop returns the initial stack pointer for a vCPU. Stacks are carved
// top-down below the boot-info block, StackSize bytes per CPU, 16-byte
// aligned.
func StackTop(memorySize uint64, cpu int) PhysAddr {
	return (BootInfoAddr(memorySize) - uint64(cpu)*StackSize) &^ 0xF
}

func (bi BootInfo) Store(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := vm.Slice(addr, BootInfoSize)
	if err != nil {
		return fmt.Errorf("boot-info block at 0x%x: %w", addr, err)
	}

	binary.LittleEndian.PutUint32(b[0:], BootMagic)
	binary.LittleEndian.PutUint32(b[4:], BootVersion)
	binary.LittleEndian.PutUint64(b[8:], bi.MemorySize)
	binary.LittleEndian.PutUint32(b[16:], bi.CPUCount)
	binary.LittleEndian.PutUint32(b[20:], 0)
	binary.LittleEndian.PutUint64(b[24:], uint64(bi.CmdlineAddr))
	binary.LittleEndian.PutUint64(b[32:], bi.CmdlineLen)

	return nil
}

// LoadBootInfo reads a boot-info block back out of guest memory, checking
// magic and version. Mostly useful for tests and diagnostics.
func LoadBootInfo(vm hv.VirtualMachine, addr PhysAddr) (BootInfo, error) {
	b, err := vm.Slice(addr, BootInfoSize)
	if err != nil {
		return BootInfo{}, fmt.Errorf("boot-info block at 0x%x: %w", addr, err)
	}

	if magic := binary.LittleEndian.Uint32(b[0:]); magic != BootMagic {
		return BootInfo{}, fmt.Errorf("boot-info magic 0x%08x, want 0x%08x", magic, BootMagic)
	}
	if version := binary.LittleEndian.Uint32(b[4:]); version != BootVersion {
		return BootInfo{}, fmt.Errorf("boot-info version %d, want %d", version, BootVersion)
	}

	return BootInfo{
		MemorySize:  binary.LittleEndian.Uint64(b[8:]),
		CPUCount:    binary.LittleEndian.Uint32(b[16:]),
		CmdlineAddr: binary.LittleEndian.Uint64(b[24:]),
		CmdlineLen:  binary.LittleEndian.Uint64(b[32:]),
	}, nil
}
