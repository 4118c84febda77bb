// Package loader provides ELF binary loading for SPU executables.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/stream"
)

// emSPU is the ELF machine type for the Cell SPU; debug/elf has no constant for it.
const emSPU elf.Machine = 23

// ErrNoText is returned when a program has no executable segment holding
// its entry point.
var ErrNoText = errors.New("no executable segment")

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the local store address of the segment.
	VirtAddr uint32
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint32
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program represents a loaded SPU ELF program.
type Program struct {
	// EntryPoint is the local store address where execution begins.
	EntryPoint uint32
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
}

// Load parses an SPU ELF binary.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("not a 32-bit ELF file")
	}
	if f.Data != elf.ELFDATA2MSB {
		return nil, fmt.Errorf("not a big-endian ELF file")
	}
	if f.Machine != emSPU {
		return nil, fmt.Errorf("not an SPU ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{
		EntryPoint: uint32(f.Entry),
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		if phdr.Vaddr+phdr.Memsz > native.LocalStoreSize {
			return nil, fmt.Errorf("segment at 0x%x does not fit the local store", phdr.Vaddr)
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: uint32(phdr.Vaddr),
			Data:     data,
			MemSize:  uint32(phdr.Memsz),
			Flags:    flags,
		})
	}

	return prog, nil
}

// Text returns the instruction words of the executable segment from the
// entry point to the end of its file data.
func (p *Program) Text() ([]uint32, error) {
	for _, seg := range p.Segments {
		if seg.Flags&SegmentFlagExecute == 0 {
			continue
		}
		end := seg.VirtAddr + uint32(len(seg.Data))
		if p.EntryPoint < seg.VirtAddr || p.EntryPoint >= end {
			continue
		}

		code := seg.Data[p.EntryPoint-seg.VirtAddr:]
		words := make([]uint32, len(code)/insts.WordSize)
		for i := range words {
			words[i] = binary.BigEndian.Uint32(code[i*insts.WordSize:])
		}
		return words, nil
	}
	return nil, fmt.Errorf("%w at entry 0x%x", ErrNoText, p.EntryPoint)
}

// Stream decodes the program text into an instruction stream. The words
// are appended with the scheduler bypassed so relative branches keep their
// targets; absolute branches only work if the text is loaded back at its
// link address.
func Stream(p *Program, opts ...stream.Option) (*stream.Stream, error) {
	words, err := p.Text()
	if err != nil {
		return nil, err
	}

	decoder := insts.NewDecoder()
	s := stream.New(opts...)
	for _, w := range words {
		s.AppendBypass(decoder.Decode(w))
	}
	return s, nil
}
