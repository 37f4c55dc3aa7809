package uhv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tinyrange/uhv/internal/loader"
)

func checkKVMAvailable(t *testing.T) {
	t.Helper()

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	f.Close()
}

// haltImage builds a one-segment ELF whose entry point is a single hlt
// instruction. With every vCPU halted the VM exits cleanly with code 0.
func haltImage(t *testing.T) []byte {
	t.Helper()

	const entry = 0x100000
	code := []byte{0xf4} // hlt

	var buf bytes.Buffer
	le := binary.LittleEndian

	// ELF64 header.
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	binary.Write(&buf, le, uint16(2))    // ET_EXEC
	binary.Write(&buf, le, uint16(62))   // EM_X86_64
	binary.Write(&buf, le, uint32(1))    // EV_CURRENT
	binary.Write(&buf, le, uint64(entry))
	binary.Write(&buf, le, uint64(64))   // phoff
	binary.Write(&buf, le, uint64(0))    // shoff
	binary.Write(&buf, le, uint32(0))    // flags
	binary.Write(&buf, le, uint16(64))   // ehsize
	binary.Write(&buf, le, uint16(56))   // phentsize
	binary.Write(&buf, le, uint16(1))    // phnum
	binary.Write(&buf, le, uint16(0))    // shentsize
	binary.Write(&buf, le, uint16(0))    // shnum
	binary.Write(&buf, le, uint16(0))    // shstrndx

	// One PT_LOAD program header.
	binary.Write(&buf, le, uint32(1))    // PT_LOAD
	binary.Write(&buf, le, uint32(5))    // R+X
	binary.Write(&buf, le, uint64(120))  // offset
	binary.Write(&buf, le, uint64(entry))
	binary.Write(&buf, le, uint64(entry))
	binary.Write(&buf, le, uint64(len(code)))
	binary.Write(&buf, le, uint64(len(code)))
	binary.Write(&buf, le, uint64(0x1000))

	buf.Write(code)
	return buf.Bytes()
}

func TestStartRejectsBadImage(t *testing.T) {
	// Image parsing happens before any hypervisor access, so this runs
	// everywhere.
	_, err := Start([]byte("not an ELF"))
	if !errors.Is(err, loader.ErrBadImage) {
		t.Errorf("got %v, want ErrBadImage", err)
	}
}

func TestStartRejectsTinyMemory(t *testing.T) {
	// The memory guard runs before any hypervisor access, so this runs
	// everywhere. A single page cannot hold the reserved low-memory layout,
	// let alone image segments or stacks.
	if _, err := Start(haltImage(t), WithMemory(0x1000)); err == nil {
		t.Error("Start accepted 4 KiB of guest memory")
	}

	if _, err := Start(haltImage(t), WithMemory(8<<20|0x200)); err == nil {
		t.Error("Start accepted unaligned guest memory")
	}
}

func TestOptions(t *testing.T) {
	s := settings{cpus: 1, memory: 64 << 20}
	for _, opt := range []Option{
		WithCPUs(4),
		WithMemory(128 << 20),
		WithCommandLine("app", "-x"),
		WithEnv("A=1"),
		WithNet("user"),
	} {
		opt(&s)
	}

	if s.cpus != 4 || s.memory != 128<<20 || s.netSpec != "user" {
		t.Errorf("settings: %+v", s)
	}
	if len(s.args) != 2 || s.args[0] != "app" {
		t.Errorf("args: %v", s.args)
	}
	if len(s.env) != 1 || s.env[0] != "A=1" {
		t.Errorf("env: %v", s.env)
	}
}

func TestRunHaltingGuest(t *testing.T) {
	checkKVMAvailable(t)

	var console bytes.Buffer
	m, err := Start(haltImage(t),
		WithMemory(8<<20),
		WithCommandLine("halt.elf"),
		WithConsoleWriter(&console))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code %d, want 0", code)
	}
}

func TestRunHaltingGuestMultiCPU(t *testing.T) {
	checkKVMAvailable(t)

	m, err := Start(haltImage(t),
		WithCPUs(2),
		WithMemory(8<<20),
		WithConsoleWriter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code %d, want 0", code)
	}
}
