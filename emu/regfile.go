package emu

import "github.com/sarchlab/spurt/native"

// RegFile is the SPU register file: 128 quadword registers and the program
// counter. Slot 0 of each register is the preferred slot used by scalar
// operations, branches and channels.
type RegFile struct {
	R [128]native.Quad

	// PC is the local store byte address of the next instruction.
	PC uint32
}

// ReadQuad returns the full register.
func (r *RegFile) ReadQuad(reg uint8) native.Quad {
	return r.R[reg&0x7F]
}

// WriteQuad replaces the full register.
func (r *RegFile) WriteQuad(reg uint8, q native.Quad) {
	r.R[reg&0x7F] = q
}

// ReadWord returns the preferred slot of a register.
func (r *RegFile) ReadWord(reg uint8) uint32 {
	return r.R[reg&0x7F][0]
}

// Snapshot copies the registers into rf.
func (r *RegFile) Snapshot(rf *native.RegisterFile) {
	*rf = native.RegisterFile(r.R)
}

// Restore replaces the registers with rf.
func (r *RegFile) Restore(rf *native.RegisterFile) {
	r.R = [128]native.Quad(*rf)
}
