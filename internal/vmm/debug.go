package vmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/uhv/internal/hv"
)

const breakpointOpcode = 0xCC // int3

// Debugger is the debug server's view of the VM: registers, memory,
// breakpoints, and all-stop flow control. All methods are safe to call from
// the server goroutine; register access rides the per-vCPU call queue so it
// never races guest execution.
type Debugger struct {
	m *VMM

	mu          sync.Mutex
	breakpoints map[uint64]byte
}

func (d *Debugger) CPUCount() int { return d.m.cpuCount }

// Registers returns the vCPU's registers in hv.GPRegisters order.
func (d *Debugger) Registers(cpu int) ([]uint64, error) {
	regs := make(map[hv.Register]hv.RegisterValue, len(hv.GPRegisters))
	for _, reg := range hv.GPRegisters {
		regs[reg] = hv.Register64(0)
	}

	err := d.m.vm.VirtualCPUCall(cpu, func(vcpu hv.VirtualCPU) error {
		return vcpu.GetRegisters(regs)
	})
	if err != nil {
		return nil, err
	}

	out := make([]uint64, len(hv.GPRegisters))
	for i, reg := range hv.GPRegisters {
		out[i] = uint64(regs[reg].(hv.Register64))
	}
	return out, nil
}

// SetRegisters writes back a full register file in hv.GPRegisters order.
func (d *Debugger) SetRegisters(cpu int, values []uint64) error {
	if len(values) != len(hv.GPRegisters) {
		return fmt.Errorf("register file has %d values, want %d", len(values), len(hv.GPRegisters))
	}

	regs := make(map[hv.Register]hv.RegisterValue, len(values))
	for i, reg := range hv.GPRegisters {
		regs[reg] = hv.Register64(values[i])
	}

	return d.m.vm.VirtualCPUCall(cpu, func(vcpu hv.VirtualCPU) error {
		return vcpu.SetRegisters(regs)
	})
}

func (d *Debugger) ReadMemory(addr uint64, buf []byte) error {
	_, err := d.m.vm.ReadAt(buf, int64(addr))
	return err
}

func (d *Debugger) WriteMemory(addr uint64, data []byte) error {
	_, err := d.m.vm.WriteAt(data, int64(addr))
	return err
}

// SetBreakpoint patches an int3 over the instruction byte at addr, saving
// the original for restoration.
func (d *Debugger) SetBreakpoint(addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.breakpoints[addr]; exists {
		return nil
	}

	b, err := d.m.vm.Slice(addr, 1)
	if err != nil {
		return err
	}
	d.breakpoints[addr] = b[0]
	b[0] = breakpointOpcode
	return nil
}

func (d *Debugger) ClearBreakpoint(addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	orig, exists := d.breakpoints[addr]
	if !exists {
		return nil
	}

	b, err := d.m.vm.Slice(addr, 1)
	if err != nil {
		return err
	}
	b[0] = orig
	delete(d.breakpoints, addr)
	return nil
}

func (d *Debugger) clearAllBreakpoints() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, orig := range d.breakpoints {
		if b, err := d.m.vm.Slice(addr, 1); err == nil {
			b[0] = orig
		}
		delete(d.breakpoints, addr)
	}
}

// Pause stops every vCPU at the barrier and returns once all have arrived.
func (d *Debugger) Pause() {
	d.m.hub.beginPause()
	d.m.kickAll()
	d.m.hub.waitAllParked()
}

// Continue resumes all vCPUs together and blocks until the next stop: a
// breakpoint or step trap, or the VM exiting.
func (d *Debugger) Continue() StopEvent {
	d.m.hub.resumeAll()
	return d.waitStop()
}

// Step releases one parked vCPU for a single instruction and reports its
// stop; the rest of the VM stays paused.
func (d *Debugger) Step(cpu int) StopEvent {
	if !d.m.hub.step(cpu) {
		// vCPU is gone; report what the VM is doing instead
		return d.waitStop()
	}
	return d.waitStop()
}

// Interrupt pauses the VM on the client's behalf and posts a SIGINT stop so
// a pending Continue returns.
func (d *Debugger) Interrupt() {
	d.Pause()
	d.m.hub.reportStop(StopEvent{CPU: 0, Signal: 2})
}

func (d *Debugger) waitStop() StopEvent {
	select {
	case ev := <-d.m.hub.stops:
		return ev
	case <-d.m.shutdown:
		code, _ := d.m.exit.Get()
		return StopEvent{Exited: true, Code: code}
	}
}

// Detach removes every breakpoint and lets the VM run free.
func (d *Debugger) Detach() {
	d.clearAllBreakpoints()
	d.m.hub.resumeAll()
}

// Kill terminates the VM on the debugger's behalf.
func (d *Debugger) Kill() {
	d.m.requestExit(9)
	d.m.hub.resumeAll()
}
