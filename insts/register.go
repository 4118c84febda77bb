package insts

import "fmt"

// NumRegisters is the size of the SPU general purpose register file.
const NumRegisters = 128

// NoSlot marks a register reference that addresses the whole quadword.
const NoSlot = -1

// File identifies a register file.
type File uint8

// Register files.
const (
	FileGP File = iota
)

// Register identifies one entry of a register file, optionally narrowed to
// a 32-bit slot of the quadword.
type Register struct {
	File  File
	Index int
	Slot  int
}

// GP returns the whole general purpose register with the given index.
func GP(index int) Register {
	return Register{File: FileGP, Index: index, Slot: NoSlot}
}

// InSlot returns the same register narrowed to one 32-bit slot.
func (r Register) InSlot(slot int) Register {
	r.Slot = slot
	return r
}

// Valid reports whether the index and slot are in range.
func (r Register) Valid() bool {
	if r.Index < 0 || r.Index >= NumRegisters {
		return false
	}
	return r.Slot == NoSlot || (r.Slot >= 0 && r.Slot < 4)
}

// String returns the assembler name of the register.
func (r Register) String() string {
	if r.Slot == NoSlot {
		return fmt.Sprintf("$r%d", r.Index)
	}
	return fmt.Sprintf("$r%d.%d", r.Index, r.Slot)
}

func (r Register) field() uint32 {
	return uint32(r.Index) & 0x7F
}
