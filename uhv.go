// Package uhv runs unikernel images in hardware-accelerated virtual
// machines. A Machine wraps one loaded guest; callers configure it with
// options, run it, and read back the guest's exit code.
//
// The command line front end in cmd/uhv is a thin wrapper around this
// package.
package uhv

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/hv/kvm"
	"github.com/tinyrange/uhv/internal/loader"
	"github.com/tinyrange/uhv/internal/netdev"
	"github.com/tinyrange/uhv/internal/vmm"
)

// ErrHypervisorUnavailable indicates no usable hypervisor on this host.
// This can happen when /dev/kvm is missing or the process lacks permission
// to open it. Use errors.Is to check and skip tests in CI.
var ErrHypervisorUnavailable = hv.ErrHypervisorUnsupported

type settings struct {
	cpus    int
	memory  uint64
	args    []string
	env     []string
	netSpec string
	console *vmm.Console
}

// Option configures a Machine before it boots.
type Option func(*settings)

// WithCPUs sets the number of vCPUs. The default is one.
func WithCPUs(n int) Option {
	return func(s *settings) { s.cpus = n }
}

// WithMemory sets the guest memory size in bytes. The default is 64 MiB.
func WithMemory(size uint64) Option {
	return func(s *settings) { s.memory = size }
}

// WithCommandLine sets the argv the guest sees. args[0] is conventionally
// the image name.
func WithCommandLine(args ...string) Option {
	return func(s *settings) { s.args = args }
}

// WithEnv sets the guest environment, each entry in "KEY=value" form. The
// default is the host environment.
func WithEnv(env ...string) Option {
	return func(s *settings) { s.env = env }
}

// WithNet attaches a network backend: "user" for the built-in user-mode
// stack, or the name of a host tap device.
func WithNet(spec string) Option {
	return func(s *settings) { s.netSpec = spec }
}

// WithConsoleWriter redirects guest console output. The default is the
// process's stdout and stdin.
func WithConsoleWriter(w io.Writer) Option {
	return func(s *settings) { s.console = vmm.NewConsoleWriter(w) }
}

// Machine is a loaded virtual machine that has not finished running.
type Machine struct {
	hv  hv.Hypervisor
	vm  hv.VirtualMachine
	m   *vmm.VMM
	net netdev.Backend
}

// Start parses the ELF image, creates a virtual machine, and loads the
// guest ready to run. The caller must Close the Machine when done.
func Start(image []byte, opts ...Option) (*Machine, error) {
	s := settings{
		cpus:   1,
		memory: 64 << 20,
		args:   []string{"guest"},
		env:    os.Environ(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.console == nil {
		s.console = vmm.NewConsole(os.Stdout, os.Stdin)
	}

	// The low-memory layout (page tables, command line, boot info, stacks)
	// needs room before any image segment; below 2 MiB the reserved-region
	// arithmetic has nowhere to go.
	if s.memory < 2<<20 {
		return nil, fmt.Errorf("uhv: memory %d bytes is below the 2 MiB minimum", s.memory)
	}
	if s.memory%0x1000 != 0 {
		return nil, fmt.Errorf("uhv: memory %d bytes is not page aligned", s.memory)
	}

	img, err := loader.Parse(image)
	if err != nil {
		return nil, fmt.Errorf("parse image: %w", err)
	}

	h, err := kvm.Open()
	if err != nil {
		return nil, err
	}

	machine := &Machine{hv: h}
	if err := machine.boot(img, s); err != nil {
		machine.Close()
		return nil, err
	}
	return machine, nil
}

func (mc *Machine) boot(img *loader.Image, s settings) error {
	vm, err := mc.hv.NewVirtualMachine(hv.VMConfig{
		CPUCount:   s.cpus,
		MemorySize: s.memory,
	})
	if err != nil {
		return err
	}
	mc.vm = vm

	if s.netSpec != "" {
		backend, err := netdev.Open(s.netSpec)
		if err != nil {
			return fmt.Errorf("open network backend %q: %w", s.netSpec, err)
		}
		mc.net = backend
	}

	m, err := vmm.New(vm, s.cpus, vmm.Options{
		Console: s.console,
		Net:     mc.net,
		Args:    s.args,
		Env:     s.env,
	})
	if err != nil {
		return err
	}
	mc.m = m

	return loader.Load(vm, img, loader.BootParams{
		CPUCount: s.cpus,
		Args:     s.args,
		Env:      s.env,
	})
}

// Run executes the guest until it exits or ctx is cancelled, returning the
// guest's exit code. Run may be called once.
func (mc *Machine) Run(ctx context.Context) (int, error) {
	return mc.m.Run(ctx)
}

// Close releases the virtual machine and any attached backends.
func (mc *Machine) Close() error {
	var first error
	if mc.net != nil {
		first = mc.net.Close()
	}
	if mc.vm != nil {
		if err := mc.vm.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := mc.hv.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
