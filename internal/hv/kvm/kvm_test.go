//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/uhv/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestCheckExtensions(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer h.Close()

	fd := h.(*hypervisor).fd
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
			t.Errorf("checkExtension(%s): %v", cap.name, err)
		}
		// Open already refused kernels missing any of these.
		if v == 0 {
			t.Errorf("%s unsupported on a hypervisor Open accepted", cap.name)
		}
	}
}

func TestRunCancelledContext(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{
		CPUCount:   1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	// The cancel hook fires before KVM_RUN is issued; the vCPU must come
	// straight back instead of entering an uninitialized guest.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		return vcpu.Run(ctx)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run with cancelled context: got %v, want context.Canceled", err)
	}
}

func TestTranslateAddress(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{
		CPUCount:   1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64 := vcpu.(hv.VirtualCPUAmd64)
		if err := amd64.SetLongModeWithSelectors(0x10000, 1, 0x08, 0x10); err != nil {
			return err
		}

		tr := vcpu.(hv.AddressTranslator)
		gpa, valid, err := tr.TranslateAddress(0x100000)
		if err != nil {
			return err
		}
		if !valid || gpa != 0x100000 {
			t.Errorf("identity translation of 0x100000: got (0x%x, %v)", gpa, valid)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{
		CPUCount:   1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestNewVirtualMachineMultiCPU(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	for _, numCPUs := range []int{2, 4, 8} {
		t.Run(fmt.Sprintf("CPUs=%d", numCPUs), func(t *testing.T) {
			vm, err := kvm.NewVirtualMachine(hv.VMConfig{
				CPUCount:   numCPUs,
				MemorySize: 0x200000,
			})
			if err != nil {
				t.Fatalf("Create KVM virtual machine with %d CPUs: %v", numCPUs, err)
			}
			defer vm.Close()

			// Verify each vCPU exists and has correct ID
			for i := 0; i < numCPUs; i++ {
				err := vm.VirtualCPUCall(i, func(vcpu hv.VirtualCPU) error {
					if vcpu.ID() != i {
						t.Errorf("vCPU %d has wrong ID: got %d", i, vcpu.ID())
					}
					return nil
				})
				if err != nil {
					t.Errorf("VirtualCPUCall(%d) failed: %v", i, err)
				}
			}
		})
	}
}

func TestGuestMemoryBounds(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{
		CPUCount:   1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if _, err := vm.WriteAt(payload, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 4)
	if _, err := vm.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("ReadAt mismatch at %d: got 0x%02x want 0x%02x", i, got[i], payload[i])
		}
	}

	// Zero-length access at the very end of memory is fine, one byte past is not.
	if _, err := vm.Slice(vm.MemorySize(), 0); err != nil {
		t.Errorf("Slice at end of memory: %v", err)
	}
	if _, err := vm.Slice(vm.MemorySize(), 1); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("Slice past end of memory: got %v, want ErrOutOfRange", err)
	}
	if _, err := vm.ReadAt(got, int64(vm.MemorySize())-2); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("ReadAt straddling end of memory: got %v, want ErrOutOfRange", err)
	}

	// Slice aliases the same memory WriteAt touches.
	window, err := vm.Slice(0x1000, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	window[0] = 0x42
	if _, err := vm.ReadAt(got[:1], 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0x42 {
		t.Errorf("Slice write not visible through ReadAt: got 0x%02x", got[0])
	}
}

func TestSetGetRegisters(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(hv.VMConfig{
		CPUCount:   1,
		MemorySize: 0x200000,
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	err = vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0x1234),
			hv.RegisterAMD64Rip: hv.Register64(0x100000),
		}); err != nil {
			return err
		}

		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(0),
			hv.RegisterAMD64Rip: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}

		if regs[hv.RegisterAMD64Rax] != hv.Register64(0x1234) {
			t.Errorf("Rax: got %#x, want 0x1234", regs[hv.RegisterAMD64Rax])
		}
		if regs[hv.RegisterAMD64Rip] != hv.Register64(0x100000) {
			t.Errorf("Rip: got %#x, want 0x100000", regs[hv.RegisterAMD64Rip])
		}

		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
