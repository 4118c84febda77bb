package emu

// BranchUnit implements SPU branches. Offsets and absolute targets are in
// words; the PC is a byte address that wraps at the local store size.
type BranchUnit struct {
	regFile *RegFile
}

// NewBranchUnit creates a new BranchUnit connected to the given register
// file.
func NewBranchUnit(regFile *RegFile) *BranchUnit {
	return &BranchUnit{regFile: regFile}
}

// BR branches relative to the branch instruction.
func (b *BranchUnit) BR(offset int32) {
	b.regFile.PC = (b.regFile.PC + uint32(offset)<<2) & lsMask
}

// BRA branches to an absolute word address.
func (b *BranchUnit) BRA(wordAddr int32) {
	b.regFile.PC = (uint32(wordAddr) << 2) & lsMask
}

// BRZ branches if the preferred slot of rt is zero and returns whether it
// was taken. The PC is not touched when the branch falls through.
func (b *BranchUnit) BRZ(rt uint8, offset int32) bool {
	if b.regFile.ReadWord(rt) != 0 {
		return false
	}
	b.BR(offset)
	return true
}

// BRNZ branches if the preferred slot of rt is not zero.
func (b *BranchUnit) BRNZ(rt uint8, offset int32) bool {
	if b.regFile.ReadWord(rt) == 0 {
		return false
	}
	b.BR(offset)
	return true
}

// BI branches to the byte address in the preferred slot of ra.
func (b *BranchUnit) BI(ra uint8) {
	b.regFile.PC = b.regFile.ReadWord(ra) & lsMask &^ 3
}
