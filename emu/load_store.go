package emu

// LoadStoreUnit implements the quadword loads and stores of the odd
// pipeline. Addresses are forced to quadword alignment.
type LoadStoreUnit struct {
	regFile *RegFile
	ls      *LocalStore
}

// NewLoadStoreUnit creates a new LoadStoreUnit connected to the given
// register file and local store.
func NewLoadStoreUnit(regFile *RegFile, ls *LocalStore) *LoadStoreUnit {
	return &LoadStoreUnit{regFile: regFile, ls: ls}
}

// LQD loads rt from ra + imm*16.
func (lsu *LoadStoreUnit) LQD(rt, ra uint8, imm int32) {
	addr := lsu.regFile.ReadWord(ra) + uint32(imm)<<4
	lsu.regFile.WriteQuad(rt, lsu.ls.ReadQuad(addr))
}

// STQD stores rt to ra + imm*16.
func (lsu *LoadStoreUnit) STQD(rt, ra uint8, imm int32) {
	addr := lsu.regFile.ReadWord(ra) + uint32(imm)<<4
	lsu.ls.WriteQuad(addr, lsu.regFile.ReadQuad(rt))
}

// LQA loads rt from the absolute address imm*4.
func (lsu *LoadStoreUnit) LQA(rt uint8, imm int32) {
	lsu.regFile.WriteQuad(rt, lsu.ls.ReadQuad(uint32(imm)<<2))
}

// STQA stores rt to the absolute address imm*4.
func (lsu *LoadStoreUnit) STQA(rt uint8, imm int32) {
	lsu.ls.WriteQuad(uint32(imm)<<2, lsu.regFile.ReadQuad(rt))
}
