package guest

import (
	"errors"
	"testing"

	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/hv/hvtest"
)

func TestWriteArgsRoundTrip(t *testing.T) {
	vm := hvtest.NewRAM(0x10000)

	// Lay the block out by hand so the test pins the byte offsets, not just
	// the encoder/decoder pair agreeing with each other.
	raw := []byte{
		0x01, 0x00, 0x00, 0x00, // fd = 1
		0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // buf = 0x2000
		0x0d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // len = 13
	}
	if _, err := vm.WriteAt(raw, 0x1000); err != nil {
		t.Fatal(err)
	}

	a, err := DecodeWriteArgs(vm, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fd != 1 || a.Buf != 0x2000 || a.Len != 13 {
		t.Errorf("decoded %+v, want {Fd:1 Buf:0x2000 Len:13}", a)
	}
}

func TestReadArgsStoreRet(t *testing.T) {
	vm := hvtest.NewRAM(0x10000)

	a := ReadArgs{Ret: -1}
	if err := a.StoreRet(vm, 0x1000); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 8)
	if _, err := vm.ReadAt(got, 0x1000+20); err != nil {
		t.Fatal(err)
	}
	for i, want := range []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff} {
		if got[i] != want {
			t.Fatalf("ret byte %d: got 0x%02x, want 0x%02x", i, got[i], want)
		}
	}
}

func TestArgsOutOfRange(t *testing.T) {
	vm := hvtest.NewRAM(0x1000)

	if _, err := DecodeWriteArgs(vm, 0x1000-4); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("block straddling end of memory: got %v, want ErrOutOfRange", err)
	}
	if _, err := DecodeExitArgs(vm, 0x2000); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("block past end of memory: got %v, want ErrOutOfRange", err)
	}
}

func TestBootInfoRoundTrip(t *testing.T) {
	vm := hvtest.NewRAM(0x200000)

	addr := BootInfoAddr(vm.MemorySize())
	if addr != 0x200000-BootInfoReserve {
		t.Fatalf("BootInfoAddr = 0x%x", addr)
	}

	bi := BootInfo{
		MemorySize:  vm.MemorySize(),
		CPUCount:    4,
		CmdlineAddr: CmdlineAddr,
		CmdlineLen:  17,
	}
	if err := bi.Store(vm, addr); err != nil {
		t.Fatal(err)
	}

	got, err := LoadBootInfo(vm, addr)
	if err != nil {
		t.Fatal(err)
	}
	if got != bi {
		t.Errorf("got %+v, want %+v", got, bi)
	}
}

func TestLoadBootInfoBadMagic(t *testing.T) {
	vm := hvtest.NewRAM(0x10000)

	if _, err := LoadBootInfo(vm, 0x1000); err == nil {
		t.Error("zeroed block: want magic error")
	}
}

func TestStackTopAlignment(t *testing.T) {
	for cpu := 0; cpu < 4; cpu++ {
		top := StackTop(0x800000, cpu)
		if top%16 != 0 {
			t.Errorf("cpu %d stack top 0x%x not 16-byte aligned", cpu, top)
		}
		if cpu > 0 && StackTop(0x800000, cpu-1)-top != StackSize {
			t.Errorf("cpu %d stack not %d below cpu %d", cpu, StackSize, cpu-1)
		}
	}
}

func TestReadCString(t *testing.T) {
	vm := hvtest.NewRAM(0x1000)

	copy(must(vm.Slice(0x100, 6)), []byte("hello\x00"))

	s, err := ReadCString(vm, 0x100, 64)
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello" {
		t.Errorf("got %q, want %q", s, "hello")
	}

	// Unterminated string hitting the scan limit.
	if _, err := ReadCString(vm, 0x100, 5); err == nil {
		t.Error("unterminated string: want error")
	}

	// String running off the end of guest memory.
	copy(must(vm.Slice(0xffe, 2)), []byte("ab"))
	if _, err := ReadCString(vm, 0xffe, 64); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("string past end of memory: got %v, want ErrOutOfRange", err)
	}
}

func must(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}
