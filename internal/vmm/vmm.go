// Package vmm is the core of the hypervisor: it owns the virtual machine,
// runs one goroutine per vCPU, dispatches VM exits to the hypercall device,
// and coordinates shutdown and debugging across all vCPUs.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/netdev"
	"golang.org/x/sync/errgroup"
)

// errGuestExit unwinds a vCPU's run loop after the guest issued the Exit
// hypercall. It is not a failure.
var errGuestExit = errors.New("guest exit")

// ErrUnhandledExit marks a VM exit no handler could service: an unknown
// trap, an unassigned port, or an internal error. Always fatal for the
// whole VM.
var ErrUnhandledExit = errors.New("unhandled vm exit")

type CPUState int32

const (
	StateCreated CPUState = iota
	StateRunning
	StatePaused
	StateHalted
	StateExited
)

func (s CPUState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateHalted:
		return "halted"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("CPUState(%d)", int32(s))
	}
}

type Options struct {
	Console *Console
	Net     netdev.Backend // nil when no NIC is configured
	Args    []string
	Env     []string
	Debug   bool // create the debug hub for a GDB server
}

type VMM struct {
	vm       hv.VirtualMachine
	cpuCount int
	console  *Console
	net      netdev.Backend
	args     []string
	env      []string
	files    *fileTable

	exit         exitCell
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	kickMu sync.Mutex
	kicks  map[int]context.CancelFunc
	ctxs   map[int]context.Context

	states      []atomic.Int32
	haltedCount atomic.Int32

	hub *debugHub
	dbg *Debugger
}

func New(vm hv.VirtualMachine, cpuCount int, opts Options) (*VMM, error) {
	if cpuCount < 1 {
		return nil, fmt.Errorf("vmm: need at least one vCPU")
	}
	if opts.Console == nil {
		return nil, fmt.Errorf("vmm: console is required")
	}

	m := &VMM{
		vm:       vm,
		cpuCount: cpuCount,
		console:  opts.Console,
		net:      opts.Net,
		args:     opts.Args,
		env:      opts.Env,
		files:    newFileTable(),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		kicks:    make(map[int]context.CancelFunc),
		ctxs:     make(map[int]context.Context),
		states:   make([]atomic.Int32, cpuCount),
	}

	if opts.Debug {
		m.hub = newDebugHub()
		m.dbg = &Debugger{m: m, breakpoints: make(map[uint64]byte)}
	}

	if err := vm.AddDevice(&hypercallDevice{m: m}); err != nil {
		return nil, fmt.Errorf("vmm: register hypercall device: %w", err)
	}

	return m, nil
}

// Debugger returns the debug target, or nil when Options.Debug was false.
func (m *VMM) Debugger() *Debugger { return m.dbg }

func (m *VMM) CPUCount() int { return m.cpuCount }

func (m *VMM) State(cpu int) CPUState { return CPUState(m.states[cpu].Load()) }

func (m *VMM) setState(cpu int, s CPUState) { m.states[cpu].Store(int32(s)) }

// requestExit decides the VM-wide exit code (first writer wins) and kicks
// every vCPU out of guest execution and blocking waits.
func (m *VMM) requestExit(code int32) {
	if m.exit.Set(code) {
		slog.Debug("guest exit code decided", "code", code)
	}
	m.broadcastShutdown()
}

func (m *VMM) broadcastShutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })
	m.kickAll()
}

func (m *VMM) kickAll() {
	m.kickMu.Lock()
	defer m.kickMu.Unlock()
	for _, cancel := range m.kicks {
		cancel()
	}
}

func (m *VMM) setKick(id int, ctx context.Context, cancel context.CancelFunc) {
	m.kickMu.Lock()
	defer m.kickMu.Unlock()
	m.kicks[id] = cancel
	m.ctxs[id] = ctx
}

func (m *VMM) clearKick(id int) {
	m.kickMu.Lock()
	defer m.kickMu.Unlock()
	delete(m.kicks, id)
	delete(m.ctxs, id)
}

// runContext is the context of the vCPU's current guest entry. Blocking
// hypercall handlers wait on it so the shutdown broadcast interrupts them.
func (m *VMM) runContext(id int) context.Context {
	m.kickMu.Lock()
	defer m.kickMu.Unlock()
	if ctx, ok := m.ctxs[id]; ok {
		return ctx
	}
	return context.Background()
}

// Run executes the guest until it exits and returns its exit code. A fatal
// host-side condition returns an error instead; the caller maps that to the
// reserved process exit status.
func (m *VMM) Run(ctx context.Context) (int, error) {
	defer close(m.done)
	defer m.files.closeAll()

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < m.cpuCount; id++ {
		g.Go(func() error { return m.runCPU(ctx, id) })
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	code, ok := m.exit.Get()
	if !ok {
		return 0, fmt.Errorf("virtual machine stopped without deciding an exit code")
	}
	return int(code), nil
}

// runCPU is one vCPU's life: run the guest, dispatch the exit, repeat until
// a terminal state.
func (m *VMM) runCPU(ctx context.Context, id int) error {
	if m.hub != nil {
		m.hub.register(id)
		defer m.hub.deregister(id)
	}
	defer m.setState(id, StateExited)

	for {
		if _, decided := m.exit.Get(); decided {
			return nil
		}
		select {
		case <-m.shutdown:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.hub != nil && m.hub.pauseRequested() {
			resume, err := m.parkCPU(ctx, id)
			if err != nil {
				return err
			}
			if !resume {
				return nil
			}
			continue
		}

		err := m.runOnce(ctx, id, hv.DebugControl{
			Enable:  m.hub != nil,
			SwBreak: m.hub != nil,
		})

		switch {
		case err == nil:
			// exit was dispatched to a device, keep going

		case errors.Is(err, errGuestExit):
			return nil

		case errors.Is(err, context.Canceled):
			// kicked; the next iteration observes shutdown or pause

		case errors.Is(err, hv.ErrDebugTrap):
			if m.hub == nil {
				m.broadcastShutdown()
				return fmt.Errorf("vCPU %d: debug trap with no debugger attached", id)
			}
			m.setState(id, StatePaused)
			m.hub.beginPause()
			m.kickAll()
			m.hub.reportStop(StopEvent{CPU: id, Signal: 5})
			resume, err := m.parkCPU(ctx, id)
			if err != nil {
				return err
			}
			if !resume {
				return nil
			}

		case errors.Is(err, hv.ErrVMHalted):
			m.setState(id, StateHalted)
			if m.haltedCount.Add(1) == int32(m.cpuCount) {
				// every core idle with no wake source left
				slog.Debug("all vCPUs halted, finishing")
				m.requestExit(0)
				return nil
			}
			if m.hub != nil {
				m.hub.deregister(id)
			}
			select {
			case <-m.shutdown:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}

		case errors.Is(err, hv.ErrVMShutdown):
			m.requestExit(0)
			return nil

		default:
			m.diagnose(id, err)
			m.broadcastShutdown()
			return fmt.Errorf("vCPU %d: %w: %w", id, ErrUnhandledExit, err)
		}
	}
}

// runOnce enters the guest for one VM exit with the given debug controls.
func (m *VMM) runOnce(ctx context.Context, id int, ctl hv.DebugControl) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.setKick(id, runCtx, cancel)
	defer func() {
		m.clearKick(id)
		cancel()
	}()

	// A broadcast between the loop-top check and setKick above would have
	// found no cancel func to call, so re-check before entering the guest.
	// Pause is rechecked too, except for a single step, which runs while the
	// hub is still pausing.
	select {
	case <-m.shutdown:
		return context.Canceled
	default:
	}
	if !ctl.SingleStep && m.hub != nil && m.hub.pauseRequested() {
		return context.Canceled
	}

	m.setState(id, StateRunning)

	return m.vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
		if m.hub != nil {
			if err := vcpu.SetDebug(ctl); err != nil {
				return err
			}
		}
		return vcpu.Run(runCtx)
	})
}

// parkCPU holds the vCPU at the debug barrier, executing single-step
// commands in place until the debugger resumes everyone or the VM shuts
// down. Returns resume=false when the vCPU should leave its loop.
func (m *VMM) parkCPU(ctx context.Context, id int) (resume bool, err error) {
	m.setState(id, StatePaused)

	for {
		switch m.hub.park(id, m.shutdown) {
		case parkShutdown:
			return false, nil

		case parkResume:
			return true, nil

		case parkStep:
			err := m.runOnce(ctx, id, hv.DebugControl{
				Enable:     true,
				SingleStep: true,
				SwBreak:    true,
			})
			switch {
			case err == nil, errors.Is(err, hv.ErrDebugTrap), errors.Is(err, hv.ErrVMHalted):
				m.setState(id, StatePaused)
				m.hub.reportStop(StopEvent{CPU: id, Signal: 5})

			case errors.Is(err, errGuestExit):
				return false, nil

			case errors.Is(err, context.Canceled):
				select {
				case <-m.shutdown:
					return false, nil
				default:
				}

			default:
				m.diagnose(id, err)
				m.broadcastShutdown()
				return false, fmt.Errorf("vCPU %d: %w: %w", id, ErrUnhandledExit, err)
			}
		}
	}
}
