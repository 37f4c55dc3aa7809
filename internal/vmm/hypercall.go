package vmm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/tinyrange/uhv/internal/guest"
	"github.com/tinyrange/uhv/internal/hv"
)

const maxPathLen = 4096

// hypercallDevice owns the whole hypercall port range. The 32-bit OUT
// operand is the guest-physical address of the argument block; every
// guest-supplied address is validated by the guest package's decoders
// before any copy happens. A port in the range with no operation assigned
// is a protocol violation and fatal for the VM.
type hypercallDevice struct {
	m *VMM
}

func (d *hypercallDevice) Init(vm hv.VirtualMachine) error { return nil }

func (d *hypercallDevice) PortRanges() []hv.PortRange {
	return []hv.PortRange{{Start: guest.PortBase, End: guest.PortLimit}}
}

func (d *hypercallDevice) ReadIOPort(vcpu hv.VirtualCPU, port uint16, data []byte) error {
	return fmt.Errorf("unexpected IN from hypercall port 0x%04x", port)
}

func (d *hypercallDevice) WriteIOPort(vcpu hv.VirtualCPU, port uint16, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("hypercall port 0x%04x: operand size %d, want 4", port, len(data))
	}
	addr := uint64(binary.LittleEndian.Uint32(data))
	m := d.m

	switch port {
	case guest.PortExit:
		a, err := guest.DecodeExitArgs(m.vm, addr)
		if err != nil {
			return err
		}
		m.requestExit(a.Code)
		return errGuestExit
	case guest.PortWrite:
		return m.handleWrite(addr)
	case guest.PortRead:
		return m.handleRead(addr)
	case guest.PortOpen:
		return m.handleOpen(addr)
	case guest.PortClose:
		return m.handleClose(addr)
	case guest.PortLseek:
		return m.handleLseek(addr)
	case guest.PortUnlink:
		return m.handleUnlink(addr)
	case guest.PortCmdsize:
		return m.handleCmdsize(addr)
	case guest.PortCmdval:
		return m.handleCmdval(addr)
	case guest.PortNetInfo:
		return m.handleNetInfo(addr)
	case guest.PortNetWrite:
		return m.handleNetWrite(addr)
	case guest.PortNetRead:
		return m.handleNetRead(vcpu.ID(), addr)
	default:
		return fmt.Errorf("unassigned hypercall port 0x%04x", port)
	}
}

var _ hv.X86IOPortDevice = &hypercallDevice{}

// handleWrite copies the full range out of guest memory in one serialized
// write. Validation happens before any byte moves, so a partially valid
// range writes nothing.
func (m *VMM) handleWrite(addr uint64) error {
	a, err := guest.DecodeWriteArgs(m.vm, addr)
	if err != nil {
		return err
	}

	buf, err := m.vm.Slice(a.Buf, a.Len)
	if err != nil {
		return fmt.Errorf("write hypercall buffer: %w", err)
	}

	var w io.Writer
	switch a.Fd {
	case 1, 2:
		w = m.console
	default:
		f, ok := m.files.get(a.Fd)
		if !ok {
			return fmt.Errorf("write hypercall: unknown fd %d", a.Fd)
		}
		w = f
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write hypercall fd %d: %w", a.Fd, err)
	}
	return nil
}

func (m *VMM) handleRead(addr uint64) error {
	a, err := guest.DecodeReadArgs(m.vm, addr)
	if err != nil {
		return err
	}

	buf, err := m.vm.Slice(a.Buf, a.Len)
	if err != nil {
		return fmt.Errorf("read hypercall buffer: %w", err)
	}

	var r io.Reader
	switch a.Fd {
	case 0:
		r = m.console
	default:
		f, ok := m.files.get(a.Fd)
		if !ok {
			a.Ret = -int64(syscall.EBADF)
			return a.StoreRet(m.vm, addr)
		}
		r = f
	}

	n, rerr := r.Read(buf)
	switch {
	case n > 0:
		a.Ret = int64(n)
	case rerr == nil || errors.Is(rerr, io.EOF):
		a.Ret = 0
	default:
		a.Ret = int64(hostErrno(rerr))
	}
	return a.StoreRet(m.vm, addr)
}

func (m *VMM) handleOpen(addr uint64) error {
	a, err := guest.DecodeOpenArgs(m.vm, addr)
	if err != nil {
		return err
	}

	path, err := guest.ReadCString(m.vm, a.Name, maxPathLen)
	if err != nil {
		return fmt.Errorf("open hypercall path: %w", err)
	}

	a.Ret = m.files.open(path, a.Flags, a.Mode)
	return a.StoreRet(m.vm, addr)
}

func (m *VMM) handleClose(addr uint64) error {
	a, err := guest.DecodeCloseArgs(m.vm, addr)
	if err != nil {
		return err
	}

	if a.Fd <= 2 {
		a.Ret = 0
	} else {
		a.Ret = m.files.close(a.Fd)
	}
	return a.StoreRet(m.vm, addr)
}

func (m *VMM) handleLseek(addr uint64) error {
	a, err := guest.DecodeLseekArgs(m.vm, addr)
	if err != nil {
		return err
	}

	f, ok := m.files.get(a.Fd)
	if !ok || a.Whence < guest.SeekSet || a.Whence > guest.SeekEnd {
		a.Offset = -1
		return a.StoreOffset(m.vm, addr)
	}

	off, serr := f.Seek(a.Offset, int(a.Whence))
	if serr != nil {
		a.Offset = -1
	} else {
		a.Offset = off
	}
	return a.StoreOffset(m.vm, addr)
}

func (m *VMM) handleUnlink(addr uint64) error {
	a, err := guest.DecodeUnlinkArgs(m.vm, addr)
	if err != nil {
		return err
	}

	path, err := guest.ReadCString(m.vm, a.Name, maxPathLen)
	if err != nil {
		return fmt.Errorf("unlink hypercall path: %w", err)
	}

	if rerr := syscall.Unlink(path); rerr != nil {
		a.Ret = hostErrno(rerr)
	} else {
		a.Ret = 0
	}
	return a.StoreRet(m.vm, addr)
}

func (m *VMM) handleCmdsize(addr uint64) error {
	if len(m.args) > guest.MaxArgs || len(m.env) > guest.MaxArgs {
		return fmt.Errorf("cmdsize hypercall: %d args / %d env exceed %d",
			len(m.args), len(m.env), guest.MaxArgs)
	}

	var a guest.CmdsizeArgs
	a.Argc = int32(len(m.args))
	for i, s := range m.args {
		a.Argsz[i] = int32(len(s)) + 1
	}
	a.Envc = int32(len(m.env))
	for i, s := range m.env {
		a.Envsz[i] = int32(len(s)) + 1
	}
	return a.Store(m.vm, addr)
}

func (m *VMM) handleCmdval(addr uint64) error {
	a, err := guest.DecodeCmdvalArgs(m.vm, addr)
	if err != nil {
		return err
	}

	fill := func(base uint64, values []string) error {
		for i, s := range values {
			slot, err := m.vm.Slice(base+uint64(i)*8, 8)
			if err != nil {
				return fmt.Errorf("cmdval pointer %d: %w", i, err)
			}
			dstAddr := binary.LittleEndian.Uint64(slot)
			dst, err := m.vm.Slice(dstAddr, uint64(len(s))+1)
			if err != nil {
				return fmt.Errorf("cmdval string %d: %w", i, err)
			}
			copy(dst, s)
			dst[len(s)] = 0
		}
		return nil
	}

	if err := fill(a.Argv, m.args); err != nil {
		return err
	}
	return fill(a.Envp, m.env)
}

func (m *VMM) handleNetInfo(addr uint64) error {
	if m.net == nil {
		return fmt.Errorf("netinfo hypercall with no network backend configured")
	}

	var a guest.NetInfoArgs
	copy(a.MAC[:], m.net.MAC().String())
	return a.Store(m.vm, addr)
}

func (m *VMM) handleNetWrite(addr uint64) error {
	if m.net == nil {
		return fmt.Errorf("netwrite hypercall with no network backend configured")
	}

	a, err := guest.DecodeNetWriteArgs(m.vm, addr)
	if err != nil {
		return err
	}

	if a.Len < 0 || a.Len > guest.MaxPacketSize {
		a.Ret = -1
		return a.StoreRet(m.vm, addr)
	}

	frame, err := m.vm.Slice(a.Data, uint64(a.Len))
	if err != nil {
		return fmt.Errorf("netwrite hypercall buffer: %w", err)
	}

	if err := m.net.Send(frame); err != nil {
		a.Ret = -1
	} else {
		a.Ret = 0
	}
	return a.StoreRet(m.vm, addr)
}

// handleNetRead blocks the issuing vCPU until a frame arrives. The wait is
// tied to the vCPU's run context, so a shutdown broadcast interrupts it.
func (m *VMM) handleNetRead(cpu int, addr uint64) error {
	if m.net == nil {
		return fmt.Errorf("netread hypercall with no network backend configured")
	}

	a, err := guest.DecodeNetReadArgs(m.vm, addr)
	if err != nil {
		return err
	}

	if a.Len <= 0 {
		a.Ret = -1
		return a.Store(m.vm, addr)
	}

	buf, err := m.vm.Slice(a.Data, uint64(a.Len))
	if err != nil {
		return fmt.Errorf("netread hypercall buffer: %w", err)
	}

	frame, err := m.net.Recv(m.runContext(cpu))
	if err != nil {
		return fmt.Errorf("netread hypercall: %w", err)
	}

	n := copy(buf, frame)
	a.Len = int32(n)
	a.Ret = 0
	return a.Store(m.vm, addr)
}
