// Package loader parses x86-64 unikernel ELF images and prepares a virtual
// machine to run one: segments copied into guest memory, identity page
// tables, boot-info block, command line, and initial register state.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var (
	ErrBadImage    = errors.New("malformed or unsupported guest image")
	ErrImageTooBig = errors.New("guest image does not fit in configured memory")
)

// Segment is one loadable region of the image. Data holds the file-backed
// prefix; the remainder up to MemSize is zero-filled (BSS).
type Segment struct {
	Addr     uint64
	Data     []byte
	MemSize  uint64
	Writable bool
	Exec     bool
}

// Image is a parsed unikernel binary.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Parse validates an x86-64 ELF64 executable and extracts its entry point
// and loadable segments, ordered by load address. It performs structural
// validation only; placement against a concrete memory size happens in Load.
func Parse(b []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %s, want ELFCLASS64", ErrBadImage, f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: byte order %s, want little-endian", ErrBadImage, f.Data)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: machine %s, want EM_X86_64", ErrBadImage, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("%w: type %s, want ET_EXEC", ErrBadImage, f.Type)
	}

	img := &Image{Entry: f.Entry}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment at 0x%x has filesz > memsz", ErrBadImage, prog.Paddr)
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("%w: segment at 0x%x: %v", ErrBadImage, prog.Paddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			Addr:     prog.Paddr,
			Data:     data,
			MemSize:  prog.Memsz,
			Writable: prog.Flags&elf.PF_W != 0,
			Exec:     prog.Flags&elf.PF_X != 0,
		})
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrBadImage)
	}

	for i := 1; i < len(img.Segments); i++ {
		if img.Segments[i].Addr < img.Segments[i-1].Addr {
			return nil, fmt.Errorf("%w: segments not ordered by load address", ErrBadImage)
		}
	}

	entryCovered := false
	for _, seg := range img.Segments {
		if img.Entry >= seg.Addr && img.Entry < seg.Addr+seg.MemSize {
			entryCovered = true
			break
		}
	}
	if !entryCovered {
		return nil, fmt.Errorf("%w: entry point 0x%x outside loadable segments", ErrBadImage, img.Entry)
	}

	return img, nil
}
