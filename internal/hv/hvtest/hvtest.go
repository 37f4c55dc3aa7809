// Package hvtest provides a RAM-backed hv.VirtualMachine for tests that
// exercise guest-memory consumers without creating a real VM.
package hvtest

import (
	"context"
	"fmt"

	"github.com/tinyrange/uhv/internal/hv"
)

type RAM struct {
	mem     []byte
	vcpus   []*CPU
	devices []hv.Device
}

func NewRAM(size uint64) *RAM {
	return NewRAMWithCPUs(size, 0)
}

// NewRAMWithCPUs adds n recording fake vCPUs; register writes and long-mode
// setup calls are captured for inspection instead of being executed.
func NewRAMWithCPUs(size uint64, n int) *RAM {
	r := &RAM{mem: make([]byte, size)}
	for i := 0; i < n; i++ {
		r.vcpus = append(r.vcpus, &CPU{vm: r, id: i, Registers: map[hv.Register]hv.RegisterValue{}})
	}
	return r
}

func (r *RAM) MemorySize() uint64        { return uint64(len(r.mem)) }
func (r *RAM) Hypervisor() hv.Hypervisor { return nil }
func (r *RAM) Close() error              { return nil }

func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(r.mem)) {
		return 0, fmt.Errorf("hvtest: ReadAt 0x%x+0x%x: %w", off, len(p), hv.ErrOutOfRange)
	}
	return copy(p, r.mem[off:]), nil
}

func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(r.mem)) {
		return 0, fmt.Errorf("hvtest: WriteAt 0x%x+0x%x: %w", off, len(p), hv.ErrOutOfRange)
	}
	return copy(r.mem[off:], p), nil
}

func (r *RAM) Slice(addr uint64, length uint64) ([]byte, error) {
	end := addr + length
	if end < addr || end > uint64(len(r.mem)) {
		return nil, fmt.Errorf("hvtest: Slice 0x%x+0x%x: %w", addr, length, hv.ErrOutOfRange)
	}
	return r.mem[addr:end], nil
}

func (r *RAM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(r.vcpus) {
		return fmt.Errorf("hvtest: no vCPU %d", id)
	}
	return f(r.vcpus[id])
}

func (r *RAM) AddDevice(dev hv.Device) error {
	r.devices = append(r.devices, dev)
	return dev.Init(r)
}

var _ hv.VirtualMachine = &RAM{}

// CPU records the calls a boot path makes against a vCPU.
type CPU struct {
	vm *RAM
	id int

	Registers map[hv.Register]hv.RegisterValue
	Debug     hv.DebugControl

	LongModePagingBase uint64
	LongModeGiB        int
}

func (c *CPU) ID() int                           { return c.id }
func (c *CPU) VirtualMachine() hv.VirtualMachine { return c.vm }

func (c *CPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, val := range regs {
		c.Registers[reg] = val
	}
	return nil
}

func (c *CPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if val, ok := c.Registers[reg]; ok {
			regs[reg] = val
		} else {
			regs[reg] = hv.Register64(0)
		}
	}
	return nil
}

func (c *CPU) SetDebug(ctl hv.DebugControl) error {
	c.Debug = ctl
	return nil
}

func (c *CPU) Run(ctx context.Context) error {
	return fmt.Errorf("hvtest: vCPU %d cannot execute guest code", c.id)
}

func (c *CPU) SetLongModeWithSelectors(pagingBase uint64, addrSpaceSize int, codeSelector, dataSelector uint16) error {
	c.LongModePagingBase = pagingBase
	c.LongModeGiB = addrSpaceSize
	return nil
}

var _ hv.VirtualCPUAmd64 = &CPU{}
