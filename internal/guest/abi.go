// Package guest is the single source of truth for the guest/host ABI: the
// hypercall port map, the byte layout of every hypercall argument block, the
// boot-info block, and the reserved guest-physical addresses. Both sides of
// the contract are defined here; nothing else in the repo does raw address
// arithmetic against guest memory.
//
// A hypercall is a 32-bit OUT to one of the ports below. The operand is the
// guest-physical address of the argument block. All multi-byte fields are
// little-endian and the blocks are packed (no alignment padding), so the
// offsets documented on each type are the contract.
package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/uhv/internal/hv"
)

// PhysAddr is an offset into the flat guest physical address space.
type PhysAddr = uint64

// Hypercall ports. The whole [PortBase, PortLimit) range traps to the
// hypercall device; a port inside the range with no operation assigned is
// fatal for the VM.
const (
	PortWrite    uint16 = 0x400
	PortOpen     uint16 = 0x440
	PortClose    uint16 = 0x480
	PortRead     uint16 = 0x500
	PortExit     uint16 = 0x540
	PortLseek    uint16 = 0x580
	PortNetInfo  uint16 = 0x600
	PortNetWrite uint16 = 0x640
	PortNetRead  uint16 = 0x680
	PortCmdsize  uint16 = 0x740
	PortCmdval   uint16 = 0x780
	PortUnlink   uint16 = 0x840

	PortBase  uint16 = 0x400
	PortLimit uint16 = 0x880
)

// Reserved guest-physical layout. The loader refuses images whose segments
// reach below ReservedTop.
const (
	// Identity page tables: PML4, then the PDPT, then one page directory
	// per mapped GiB.
	PageTableBase PhysAddr = 0x10000

	// Command line block (argv/envp strings, NUL separated).
	CmdlineAddr PhysAddr = 0x80000
	CmdlineMax  uint64   = 0x10000

	ReservedTop PhysAddr = 0x100000

	// Per-CPU boot stack, carved top-down below the boot-info block.
	StackSize uint64 = 0x10000
)

// MaxPacketSize bounds a single staged network packet, MTU plus headroom.
const MaxPacketSize = 2048

// MaxArgs bounds argc and envc in the Cmdsize block.
const MaxArgs = 128

// Lseek whence values, matching the POSIX encoding the guest libc uses.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

func args(vm hv.VirtualMachine, addr PhysAddr, size uint64) ([]byte, error) {
	b, err := vm.Slice(addr, size)
	if err != nil {
		return nil, fmt.Errorf("hypercall argument block at 0x%x: %w", addr, err)
	}
	return b, nil
}

// ExitArgs is the Exit argument block.
//
//	0	int32	code
const ExitArgsSize = 4

type ExitArgs struct {
	Code int32
}

func DecodeExitArgs(vm hv.VirtualMachine, addr PhysAddr) (ExitArgs, error) {
	b, err := args(vm, addr, ExitArgsSize)
	if err != nil {
		return ExitArgs{}, err
	}
	return ExitArgs{Code: int32(binary.LittleEndian.Uint32(b[0:]))}, nil
}

// WriteArgs is the Write argument block.
//
//	0	int32	fd
//	4	uint64	buf (guest physical)
//	12	uint64	len
const WriteArgsSize = 20

type WriteArgs struct {
	Fd  int32
	Buf PhysAddr
	Len uint64
}

func DecodeWriteArgs(vm hv.VirtualMachine, addr PhysAddr) (WriteArgs, error) {
	b, err := args(vm, addr, WriteArgsSize)
	if err != nil {
		return WriteArgs{}, err
	}
	return WriteArgs{
		Fd:  int32(binary.LittleEndian.Uint32(b[0:])),
		Buf: binary.LittleEndian.Uint64(b[4:]),
		Len: binary.LittleEndian.Uint64(b[12:]),
	}, nil
}

// ReadArgs is the Read argument block. Ret is written back by the host.
//
//	0	int32	fd
//	4	uint64	buf (guest physical)
//	12	uint64	len
//	20	int64	ret
const ReadArgsSize = 28

type ReadArgs struct {
	Fd  int32
	Buf PhysAddr
	Len uint64
	Ret int64
}

func DecodeReadArgs(vm hv.VirtualMachine, addr PhysAddr) (ReadArgs, error) {
	b, err := args(vm, addr, ReadArgsSize)
	if err != nil {
		return ReadArgs{}, err
	}
	return ReadArgs{
		Fd:  int32(binary.LittleEndian.Uint32(b[0:])),
		Buf: binary.LittleEndian.Uint64(b[4:]),
		Len: binary.LittleEndian.Uint64(b[12:]),
	}, nil
}

func (a ReadArgs) StoreRet(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, ReadArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[20:], uint64(a.Ret))
	return nil
}

// OpenArgs is the Open argument block. Ret is written back by the host.
//
//	0	uint64	name (guest physical, NUL-terminated)
//	8	int32	flags
//	12	int32	mode
//	16	int32	ret
const OpenArgsSize = 20

type OpenArgs struct {
	Name  PhysAddr
	Flags int32
	Mode  int32
	Ret   int32
}

func DecodeOpenArgs(vm hv.VirtualMachine, addr PhysAddr) (OpenArgs, error) {
	b, err := args(vm, addr, OpenArgsSize)
	if err != nil {
		return OpenArgs{}, err
	}
	return OpenArgs{
		Name:  binary.LittleEndian.Uint64(b[0:]),
		Flags: int32(binary.LittleEndian.Uint32(b[8:])),
		Mode:  int32(binary.LittleEndian.Uint32(b[12:])),
	}, nil
}

func (a OpenArgs) StoreRet(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, OpenArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[16:], uint32(a.Ret))
	return nil
}

// CloseArgs is the Close argument block. Ret is written back by the host.
//
//	0	int32	fd
//	4	int32	ret
const CloseArgsSize = 8

type CloseArgs struct {
	Fd  int32
	Ret int32
}

func DecodeCloseArgs(vm hv.VirtualMachine, addr PhysAddr) (CloseArgs, error) {
	b, err := args(vm, addr, CloseArgsSize)
	if err != nil {
		return CloseArgs{}, err
	}
	return CloseArgs{Fd: int32(binary.LittleEndian.Uint32(b[0:]))}, nil
}

func (a CloseArgs) StoreRet(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, CloseArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[4:], uint32(a.Ret))
	return nil
}

// LseekArgs is the Lseek argument block. Offset is both the requested offset
// and, after the call, the resulting absolute offset (or -1).
//
//	0	int32	fd
//	4	int64	offset
//	12	int32	whence
const LseekArgsSize = 16

type LseekArgs struct {
	Fd     int32
	Offset int64
	Whence int32
}

func DecodeLseekArgs(vm hv.VirtualMachine, addr PhysAddr) (LseekArgs, error) {
	b, err := args(vm, addr, LseekArgsSize)
	if err != nil {
		return LseekArgs{}, err
	}
	return LseekArgs{
		Fd:     int32(binary.LittleEndian.Uint32(b[0:])),
		Offset: int64(binary.LittleEndian.Uint64(b[4:])),
		Whence: int32(binary.LittleEndian.Uint32(b[12:])),
	}, nil
}

func (a LseekArgs) StoreOffset(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, LseekArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[4:], uint64(a.Offset))
	return nil
}

// UnlinkArgs is the Unlink argument block. Ret is written back by the host.
//
//	0	uint64	name (guest physical, NUL-terminated)
//	8	int32	ret
const UnlinkArgsSize = 12

type UnlinkArgs struct {
	Name PhysAddr
	Ret  int32
}

func DecodeUnlinkArgs(vm hv.VirtualMachine, addr PhysAddr) (UnlinkArgs, error) {
	b, err := args(vm, addr, UnlinkArgsSize)
	if err != nil {
		return UnlinkArgs{}, err
	}
	return UnlinkArgs{Name: binary.LittleEndian.Uint64(b[0:])}, nil
}

func (a UnlinkArgs) StoreRet(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, UnlinkArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[8:], uint32(a.Ret))
	return nil
}

// CmdsizeArgs is the Cmdsize argument block, entirely written by the host.
// The guest uses it to size its allocations before issuing Cmdval.
//
//	0	int32		argc
//	4	[128]int32	argsz (bytes per argument, including NUL)
//	516	int32		envc
//	520	[128]int32	envsz
const CmdsizeArgsSize = 4 + 4*MaxArgs + 4 + 4*MaxArgs

type CmdsizeArgs struct {
	Argc  int32
	Argsz [MaxArgs]int32
	Envc  int32
	Envsz [MaxArgs]int32
}

func (a CmdsizeArgs) Store(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, CmdsizeArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(a.Argc))
	for i, sz := range a.Argsz {
		binary.LittleEndian.PutUint32(b[4+4*i:], uint32(sz))
	}
	binary.LittleEndian.PutUint32(b[516:], uint32(a.Envc))
	for i, sz := range a.Envsz {
		binary.LittleEndian.PutUint32(b[520+4*i:], uint32(sz))
	}
	return nil
}

// CmdvalArgs is the Cmdval argument block: two guest-physical pointer arrays
// (argc and envc entries, sized per the preceding Cmdsize) whose slots the
// host fills with the string payloads.
//
//	0	uint64	argv (guest physical, array of uint64 string pointers)
//	8	uint64	envp (guest physical, array of uint64 string pointers)
const CmdvalArgsSize = 16

type CmdvalArgs struct {
	Argv PhysAddr
	Envp PhysAddr
}

func DecodeCmdvalArgs(vm hv.VirtualMachine, addr PhysAddr) (CmdvalArgs, error) {
	b, err := args(vm, addr, CmdvalArgsSize)
	if err != nil {
		return CmdvalArgs{}, err
	}
	return CmdvalArgs{
		Argv: binary.LittleEndian.Uint64(b[0:]),
		Envp: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// NetWriteArgs is the SendPacket argument block. Ret is written back.
//
//	0	uint64	data (guest physical)
//	8	int32	len
//	12	int32	ret (0 ok, -1 dropped)
const NetWriteArgsSize = 16

type NetWriteArgs struct {
	Data PhysAddr
	Len  int32
	Ret  int32
}

func DecodeNetWriteArgs(vm hv.VirtualMachine, addr PhysAddr) (NetWriteArgs, error) {
	b, err := args(vm, addr, NetWriteArgsSize)
	if err != nil {
		return NetWriteArgs{}, err
	}
	return NetWriteArgs{
		Data: binary.LittleEndian.Uint64(b[0:]),
		Len:  int32(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

func (a NetWriteArgs) StoreRet(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, NetWriteArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[12:], uint32(a.Ret))
	return nil
}

// NetReadArgs is the RecvPacket argument block. Len holds the buffer
// capacity on entry and the received length on return.
//
//	0	uint64	data (guest physical)
//	8	int32	len
//	12	int32	ret (0 ok, -1 no packet)
const NetReadArgsSize = 16

type NetReadArgs struct {
	Data PhysAddr
	Len  int32
	Ret  int32
}

func DecodeNetReadArgs(vm hv.VirtualMachine, addr PhysAddr) (NetReadArgs, error) {
	b, err := args(vm, addr, NetReadArgsSize)
	if err != nil {
		return NetReadArgs{}, err
	}
	return NetReadArgs{
		Data: binary.LittleEndian.Uint64(b[0:]),
		Len:  int32(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

func (a NetReadArgs) Store(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, NetReadArgsSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[8:], uint32(a.Len))
	binary.LittleEndian.PutUint32(b[12:], uint32(a.Ret))
	return nil
}

// NetInfoArgs is the NetInfo argument block, written by the host: the NIC
// MAC address as a NUL-terminated "xx:xx:xx:xx:xx:xx" string.
//
//	0	[18]byte	mac
const NetInfoArgsSize = 18

type NetInfoArgs struct {
	MAC [NetInfoArgsSize]byte
}

func (a NetInfoArgs) Store(vm hv.VirtualMachine, addr PhysAddr) error {
	b, err := args(vm, addr, NetInfoArgsSize)
	if err != nil {
		return err
	}
	copy(b, a.MAC[:])
	return nil
}

// ReadCString reads a NUL-terminated guest string starting at addr, scanning
// at most maxLen bytes. The scan itself is bounds-checked, so a string that
// runs off the end of guest memory fails rather than reading host memory.
func ReadCString(vm hv.VirtualMachine, addr PhysAddr, maxLen uint64) (string, error) {
	for n := uint64(0); n < maxLen; n++ {
		b, err := vm.Slice(addr+n, 1)
		if err != nil {
			return "", fmt.Errorf("guest string at 0x%x: %w", addr, err)
		}
		if b[0] == 0 {
			s, err := vm.Slice(addr, n)
			if err != nil {
				return "", fmt.Errorf("guest string at 0x%x: %w", addr, err)
			}
			return string(s), nil
		}
	}
	return "", fmt.Errorf("guest string at 0x%x: no terminator within %d bytes", addr, maxLen)
}
