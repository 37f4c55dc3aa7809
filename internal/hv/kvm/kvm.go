//go:build linux

// Package kvm implements the hv capability interface on top of the Linux
// Kernel Virtual Machine. All KVM access happens through raw ioctls on
// /dev/kvm; no cgo.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/uhv/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// start is the body of the vCPU's dedicated OS thread. KVM requires all
// vCPU ioctls to come from the same thread, so every interaction with the
// vCPU is funnelled through runQueue.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

// requestImmediateExit forces the vCPU thread out of KVM_RUN. Setting
// immediate_exit makes the next KVM_RUN return EINTR right away; the signal
// interrupts a KVM_RUN already in flight.
func (v *virtualCPU) requestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv      *hypervisor
	vmFd    int
	memMu   sync.RWMutex
	memory  []byte
	vcpus   map[int]*virtualCPU
	devices []hv.Device
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.devices = append(v.devices, dev)
	return dev.Init(v)
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x+0x%x: %w", off, len(p), hv.ErrOutOfRange)
	}

	return copy(p, v.memory[off:]), nil
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x+0x%x: %w", off, len(p), hv.ErrOutOfRange)
	}

	return copy(v.memory[off:], p), nil
}

func (v *virtualMachine) Slice(addr uint64, length uint64) ([]byte, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return nil, fmt.Errorf("kvm: Slice after close")
	}

	end := addr + length
	if end < addr || end > uint64(len(v.memory)) {
		return nil, fmt.Errorf("kvm: Slice GPA 0x%x+0x%x: %w", addr, length, hv.ErrOutOfRange)
	}

	return v.memory[addr:end], nil
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

// Close releases the VM. Kernel-side cleanup can take tens of milliseconds,
// so it happens in a background goroutine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	go func() {
		for _, vcpu := range vcpus {
			if err := unix.Close(vcpu.fd); err != nil {
				slog.Error("kvm: close vcpu fd", "error", err)
			}
			if err := unix.Munmap(vcpu.run); err != nil {
				slog.Error("kvm: munmap vcpu run", "error", err)
			}
		}

		if mem != nil {
			if err := unix.Munmap(mem); err != nil {
				slog.Error("kvm: munmap memory", "error", err)
			}
		}

		if vmFd >= 0 {
			if err := unix.Close(vmFd); err != nil {
				slog.Error("kvm: close vm fd", "error", err)
			}
		}
	}()

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount < 1 {
		return nil, fmt.Errorf("kvm: CPU count must be at least 1")
	}

	vm := &virtualMachine{
		hv:    h,
		vcpus: make(map[int]*virtualCPU),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm.vmFd = vmFd

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("madvise memory: %w", err)
	}

	vm.memory = mem

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    config.MemorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}

		go vcpu.start()
	}

	// Catch VMs that are garbage collected without being closed.
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %w", hv.ErrHypervisorUnsupported, err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: KVM API version %d, want %d", hv.ErrHypervisorUnsupported, version, kvmApiVersion)
	}

	for _, cap := range []struct {
		id   int
		name string
	}{
		{kvmCapUserMemory, "KVM_CAP_USER_MEMORY"},
		{kvmCapSetGuestDebug, "KVM_CAP_SET_GUEST_DEBUG"},
		{kvmCapImmediateExit, "KVM_CAP_IMMEDIATE_EXIT"},
	} {
		v, err := checkExtension(fd, cap.id)
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("check extension %s: %w", cap.name, err)
		}
		if v == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: kernel lacks %s", hv.ErrHypervisorUnsupported, cap.name)
		}
	}

	return &hypervisor{fd: fd}, nil
}
