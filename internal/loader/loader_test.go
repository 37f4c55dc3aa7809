package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/uhv/internal/guest"
	"github.com/tinyrange/uhv/internal/hv"
	"github.com/tinyrange/uhv/internal/hv/hvtest"
)

type testSeg struct {
	addr  uint64
	data  []byte
	memsz uint64
	flags uint32
}

const (
	pfX = 1
	pfW = 2
	pfR = 4
)

// buildELF assembles a minimal ELF64 executable by hand.
func buildELF(t *testing.T, entry uint64, segs []testSeg) []byte {
	t.Helper()

	const (
		ehSize = 64
		phSize = 56
	)

	var buf bytes.Buffer
	le := binary.LittleEndian

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, le, uint16(2))  // e_type = ET_EXEC
	binary.Write(&buf, le, uint16(62)) // e_machine = EM_X86_64
	binary.Write(&buf, le, uint32(1))  // e_version
	binary.Write(&buf, le, entry)
	binary.Write(&buf, le, uint64(ehSize)) // e_phoff
	binary.Write(&buf, le, uint64(0))      // e_shoff
	binary.Write(&buf, le, uint32(0))      // e_flags
	binary.Write(&buf, le, uint16(ehSize))
	binary.Write(&buf, le, uint16(phSize))
	binary.Write(&buf, le, uint16(len(segs))) // e_phnum
	binary.Write(&buf, le, uint16(0))         // e_shentsize
	binary.Write(&buf, le, uint16(0))         // e_shnum
	binary.Write(&buf, le, uint16(0))         // e_shstrndx

	dataOff := uint64(ehSize + phSize*len(segs))
	off := dataOff
	for _, seg := range segs {
		binary.Write(&buf, le, uint32(1)) // p_type = PT_LOAD
		binary.Write(&buf, le, seg.flags)
		binary.Write(&buf, le, off)      // p_offset
		binary.Write(&buf, le, seg.addr) // p_vaddr
		binary.Write(&buf, le, seg.addr) // p_paddr
		binary.Write(&buf, le, uint64(len(seg.data)))
		binary.Write(&buf, le, seg.memsz)
		binary.Write(&buf, le, uint64(0x1000)) // p_align
		off += uint64(len(seg.data))
	}
	for _, seg := range segs {
		buf.Write(seg.data)
	}

	return buf.Bytes()
}

func TestParse(t *testing.T) {
	code := []byte{0xf4} // hlt
	img, err := Parse(buildELF(t, 0x200000, []testSeg{
		{addr: 0x200000, data: code, memsz: 0x1000, flags: pfR | pfX},
	}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if img.Entry != 0x200000 {
		t.Errorf("entry: got 0x%x, want 0x200000", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("segments: got %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Addr != 0x200000 || seg.MemSize != 0x1000 || !seg.Exec {
		t.Errorf("segment: got %+v", seg)
	}
	if !bytes.Equal(seg.Data, code) {
		t.Errorf("segment data: got %x", seg.Data)
	}
}

func TestParseBadImages(t *testing.T) {
	valid := buildELF(t, 0x200000, []testSeg{
		{addr: 0x200000, data: []byte{0xf4}, memsz: 0x1000, flags: pfR | pfX},
	})

	badMagic := bytes.Clone(valid)
	badMagic[0] = 0x00

	wrongClass := bytes.Clone(valid)
	wrongClass[4] = 1 // ELFCLASS32

	wrongMachine := bytes.Clone(valid)
	wrongMachine[18] = 40 // EM_ARM

	entryOutside := buildELF(t, 0x900000, []testSeg{
		{addr: 0x200000, data: []byte{0xf4}, memsz: 0x1000, flags: pfR | pfX},
	})

	for _, tc := range []struct {
		name string
		b    []byte
	}{
		{"bad magic", badMagic},
		{"wrong class", wrongClass},
		{"wrong machine", wrongMachine},
		{"truncated", valid[:40]},
		{"entry outside segments", entryOutside},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.b); !errors.Is(err, ErrBadImage) {
				t.Errorf("got %v, want ErrBadImage", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	code := []byte{0xeb, 0xfe} // jmp $
	img, err := Parse(buildELF(t, 0x200000, []testSeg{
		{addr: 0x200000, data: code, memsz: 0x2000, flags: pfR | pfX},
	}))
	if err != nil {
		t.Fatal(err)
	}

	vm := hvtest.NewRAMWithCPUs(8<<20, 2)
	err = Load(vm, img, BootParams{
		CPUCount: 2,
		Args:     []string{"test.elf", "-x"},
		Env:      []string{"A=1"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Segment copied, BSS zeroed.
	got := make([]byte, 4)
	if _, err := vm.ReadAt(got, 0x200000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:2], code) || got[2] != 0 || got[3] != 0 {
		t.Errorf("segment memory: got %x", got)
	}

	// Boot-info block reflects the configuration.
	bi, err := guest.LoadBootInfo(vm, guest.BootInfoAddr(vm.MemorySize()))
	if err != nil {
		t.Fatal(err)
	}
	if bi.MemorySize != vm.MemorySize() || bi.CPUCount != 2 {
		t.Errorf("boot info: got %+v", bi)
	}

	// Command line is argv then env, NUL separated.
	cmdline := make([]byte, bi.CmdlineLen)
	if _, err := vm.ReadAt(cmdline, int64(bi.CmdlineAddr)); err != nil {
		t.Fatal(err)
	}
	if want := "test.elf\x00-x\x00A=1\x00"; string(cmdline) != want {
		t.Errorf("cmdline: got %q, want %q", cmdline, want)
	}

	// Each vCPU starts at the entry point with its own stack.
	for id := 0; id < 2; id++ {
		err := vm.VirtualCPUCall(id, func(vcpu hv.VirtualCPU) error {
			cpu := vcpu.(*hvtest.CPU)
			if cpu.LongModeGiB != 1 || cpu.LongModePagingBase != guest.PageTableBase {
				t.Errorf("vCPU %d long mode: base 0x%x gib %d", id, cpu.LongModePagingBase, cpu.LongModeGiB)
			}
			if rip := cpu.Registers[hv.RegisterAMD64Rip]; rip != hv.Register64(0x200000) {
				t.Errorf("vCPU %d RIP: got %#x", id, rip)
			}
			if rsi := cpu.Registers[hv.RegisterAMD64Rsi]; rsi != hv.Register64(id) {
				t.Errorf("vCPU %d RSI: got %#x", id, rsi)
			}
			if rsp := cpu.Registers[hv.RegisterAMD64Rsp]; rsp != hv.Register64(guest.StackTop(vm.MemorySize(), id)) {
				t.Errorf("vCPU %d RSP: got %#x", id, rsp)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	img, err := Parse(buildELF(t, 0x200000, []testSeg{
		{addr: 0x200000, data: []byte{0xf4}, memsz: 16 << 20, flags: pfR | pfX},
	}))
	if err != nil {
		t.Fatal(err)
	}

	vm := hvtest.NewRAMWithCPUs(8<<20, 1)
	err = Load(vm, img, BootParams{CPUCount: 1, Args: []string{"a"}})
	if !errors.Is(err, ErrImageTooBig) {
		t.Errorf("got %v, want ErrImageTooBig", err)
	}
}

func TestLoadRejectsReservedOverlap(t *testing.T) {
	img, err := Parse(buildELF(t, 0x1000, []testSeg{
		{addr: 0x1000, data: []byte{0xf4}, memsz: 0x1000, flags: pfR | pfX},
	}))
	if err != nil {
		t.Fatal(err)
	}

	vm := hvtest.NewRAMWithCPUs(8<<20, 1)
	err = Load(vm, img, BootParams{CPUCount: 1, Args: []string{"a"}})
	if !errors.Is(err, ErrBadImage) {
		t.Errorf("got %v, want ErrBadImage", err)
	}
}
