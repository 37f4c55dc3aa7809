package loader

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/uhv/internal/guest"
	"github.com/tinyrange/uhv/internal/hv"
)

// Segment selectors installed by the long-mode setup. The guest sees a flat
// 64-bit address space.
const (
	codeSelector = 0x08
	dataSelector = 0x10
)

// BootParams carries the pieces of run configuration the boot setup needs.
type BootParams struct {
	CPUCount int

	// Cmdline is argv followed by the environment, already split. Args[0]
	// is conventionally the image path.
	Args []string
	Env  []string
}

// Load prepares vm to run img: copies segments into guest memory, writes the
// command line and the boot-info block, and initializes every vCPU with
// identity page tables, long mode, and its initial register file. Fails
// before touching any vCPU if the image does not fit.
func Load(vm hv.VirtualMachine, img *Image, params BootParams) error {
	memSize := vm.MemorySize()
	bootInfoAddr := guest.BootInfoAddr(memSize)
	loadLimit := guest.StackTop(memSize, params.CPUCount-1) - guest.StackSize

	for _, seg := range img.Segments {
		if seg.Addr < guest.ReservedTop {
			return fmt.Errorf("%w: segment at 0x%x overlaps reserved low memory", ErrBadImage, seg.Addr)
		}
		end := seg.Addr + seg.MemSize
		if end < seg.Addr || end > loadLimit {
			return fmt.Errorf("%w: segment 0x%x+0x%x exceeds usable memory 0x%x",
				ErrImageTooBig, seg.Addr, seg.MemSize, loadLimit)
		}
	}

	for _, seg := range img.Segments {
		dst, err := vm.Slice(seg.Addr, seg.MemSize)
		if err != nil {
			return fmt.Errorf("mapping segment at 0x%x: %w", seg.Addr, err)
		}

		n := copy(dst, seg.Data)
		clear(dst[n:])

		slog.Debug("loaded segment",
			"addr", fmt.Sprintf("0x%x", seg.Addr),
			"filesz", len(seg.Data),
			"memsz", seg.MemSize,
			"exec", seg.Exec)
	}

	cmdlineLen, err := writeCmdline(vm, params.Args, params.Env)
	if err != nil {
		return err
	}

	bi := guest.BootInfo{
		MemorySize:  memSize,
		CPUCount:    uint32(params.CPUCount),
		CmdlineAddr: guest.CmdlineAddr,
		CmdlineLen:  cmdlineLen,
	}
	if err := bi.Store(vm, bootInfoAddr); err != nil {
		return err
	}

	// One GiB of identity mapping per started GiB of guest memory.
	gib := int((memSize + (1 << 30) - 1) >> 30)

	for id := 0; id < params.CPUCount; id++ {
		err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			amd64, ok := vcpu.(hv.VirtualCPUAmd64)
			if !ok {
				return fmt.Errorf("vCPU %d does not support x86-64 boot", id)
			}

			if err := amd64.SetLongModeWithSelectors(
				guest.PageTableBase, gib, codeSelector, dataSelector,
			); err != nil {
				return fmt.Errorf("long mode setup: %w", err)
			}

			return amd64.SetRegisters(map[hv.Register]hv.RegisterValue{
				hv.RegisterAMD64Rip:    hv.Register64(img.Entry),
				hv.RegisterAMD64Rsp:    hv.Register64(guest.StackTop(memSize, id)),
				hv.RegisterAMD64Rdi:    hv.Register64(bootInfoAddr),
				hv.RegisterAMD64Rsi:    hv.Register64(id),
				hv.RegisterAMD64Rflags: hv.Register64(0x2),
			})
		})
		if err != nil {
			return fmt.Errorf("boot setup for vCPU %d: %w", id, err)
		}
	}

	slog.Debug("guest loaded",
		"entry", fmt.Sprintf("0x%x", img.Entry),
		"memory", memSize,
		"cpus", params.CPUCount,
		"boot_info", fmt.Sprintf("0x%x", bootInfoAddr))

	return nil
}

// writeCmdline lays out argv and the environment as consecutive
// NUL-terminated strings at guest.CmdlineAddr. The Cmdsize/Cmdval hypercalls
// serve the same strings back; this copy is what the boot-info block points
// at.
func writeCmdline(vm hv.VirtualMachine, args, env []string) (uint64, error) {
	total := uint64(0)
	for _, s := range append(args[:len(args):len(args)], env...) {
		total += uint64(len(s)) + 1
	}
	if total > guest.CmdlineMax {
		return 0, fmt.Errorf("%w: command line %d bytes exceeds %d", ErrImageTooBig, total, guest.CmdlineMax)
	}

	buf, err := vm.Slice(guest.CmdlineAddr, total)
	if err != nil {
		return 0, fmt.Errorf("command line block: %w", err)
	}

	off := 0
	for _, s := range append(args[:len(args):len(args)], env...) {
		off += copy(buf[off:], s)
		buf[off] = 0
		off++
	}

	return total, nil
}
