package insts

// Zero is register 0, which the stream prologue reserves and clears.
var Zero = GP(0)

func encodeRR(opcode, rb, ra, rt uint32) uint32 {
	return opcode<<21 | (rb&0x7F)<<14 | (ra&0x7F)<<7 | rt&0x7F
}

func encodeRI7(opcode, imm, ra, rt uint32) uint32 {
	return opcode<<21 | (imm&0x7F)<<14 | (ra&0x7F)<<7 | rt&0x7F
}

func encodeRI10(opcode, imm, ra, rt uint32) uint32 {
	return opcode<<24 | (imm&0x3FF)<<14 | (ra&0x7F)<<7 | rt&0x7F
}

func encodeRI16(opcode, imm, rt uint32) uint32 {
	return opcode<<23 | (imm&0xFFFF)<<7 | rt&0x7F
}

func encodeRI18(opcode, imm, rt uint32) uint32 {
	return opcode<<25 | (imm&0x3FFFF)<<7 | rt&0x7F
}

func rr(op Op, rt, ra, rb Register) Instruction {
	return Instruction{op: op, word: encodeRR(opTable[op].opcode, rb.field(), ra.field(), rt.field())}
}

func ri7(op Op, rt, ra Register, imm int32) Instruction {
	return Instruction{op: op, word: encodeRI7(opTable[op].opcode, uint32(imm), ra.field(), rt.field())}
}

func ri10(op Op, rt, ra Register, imm int32) Instruction {
	return Instruction{op: op, word: encodeRI10(opTable[op].opcode, uint32(imm), ra.field(), rt.field())}
}

func ri16(op Op, rt Register, imm int32) Instruction {
	return Instruction{op: op, word: encodeRI16(opTable[op].opcode, uint32(imm), rt.field())}
}

// A adds words: rt = ra + rb.
func A(rt, ra, rb Register) Instruction { return rr(OpA, rt, ra, rb) }

// SF subtracts from: rt = rb - ra.
func SF(rt, ra, rb Register) Instruction { return rr(OpSF, rt, ra, rb) }

// AND computes rt = ra & rb.
func AND(rt, ra, rb Register) Instruction { return rr(OpAND, rt, ra, rb) }

// OR computes rt = ra | rb.
func OR(rt, ra, rb Register) Instruction { return rr(OpOR, rt, ra, rb) }

// XOR computes rt = ra ^ rb.
func XOR(rt, ra, rb Register) Instruction { return rr(OpXOR, rt, ra, rb) }

// CEQ sets each word of rt to all ones where ra == rb.
func CEQ(rt, ra, rb Register) Instruction { return rr(OpCEQ, rt, ra, rb) }

// CGT sets each word of rt to all ones where ra > rb (signed).
func CGT(rt, ra, rb Register) Instruction { return rr(OpCGT, rt, ra, rb) }

// MPY multiplies the signed low halfwords of each word.
func MPY(rt, ra, rb Register) Instruction { return rr(OpMPY, rt, ra, rb) }

// FA adds single precision floats.
func FA(rt, ra, rb Register) Instruction { return rr(OpFA, rt, ra, rb) }

// FS subtracts single precision floats: rt = ra - rb.
func FS(rt, ra, rb Register) Instruction { return rr(OpFS, rt, ra, rb) }

// FM multiplies single precision floats.
func FM(rt, ra, rb Register) Instruction { return rr(OpFM, rt, ra, rb) }

// AI adds a 10-bit signed immediate to each word.
func AI(rt, ra Register, imm int32) Instruction { return ri10(OpAI, rt, ra, imm) }

// SFI subtracts each word from a 10-bit signed immediate: rt = imm - ra.
func SFI(rt, ra Register, imm int32) Instruction { return ri10(OpSFI, rt, ra, imm) }

// ANDI ands each word with a 10-bit signed immediate.
func ANDI(rt, ra Register, imm int32) Instruction { return ri10(OpANDI, rt, ra, imm) }

// ORI ors each word with a 10-bit signed immediate.
func ORI(rt, ra Register, imm int32) Instruction { return ri10(OpORI, rt, ra, imm) }

// XORI xors each word with a 10-bit signed immediate.
func XORI(rt, ra Register, imm int32) Instruction { return ri10(OpXORI, rt, ra, imm) }

// CEQI compares each word with a 10-bit signed immediate for equality.
func CEQI(rt, ra Register, imm int32) Instruction { return ri10(OpCEQI, rt, ra, imm) }

// CGTI compares each word with a 10-bit signed immediate (signed greater).
func CGTI(rt, ra Register, imm int32) Instruction { return ri10(OpCGTI, rt, ra, imm) }

// MPYI multiplies the low halfword of each word by a 10-bit immediate.
func MPYI(rt, ra Register, imm int32) Instruction { return ri10(OpMPYI, rt, ra, imm) }

// IL loads a sign-extended 16-bit immediate into each word.
func IL(rt Register, imm int32) Instruction { return ri16(OpIL, rt, imm) }

// ILHU loads a 16-bit immediate into the upper halfword of each word.
func ILHU(rt Register, imm uint16) Instruction { return ri16(OpILHU, rt, int32(imm)) }

// IOHL ors a 16-bit immediate into the lower halfword of each word.
func IOHL(rt Register, imm uint16) Instruction { return ri16(OpIOHL, rt, int32(imm)) }

// ILA loads an 18-bit unsigned immediate into each word.
func ILA(rt Register, imm uint32) Instruction {
	return Instruction{op: OpILA, word: encodeRI18(opTable[OpILA].opcode, imm, rt.field())}
}

// SHLI shifts each word left by a 7-bit immediate.
func SHLI(rt, ra Register, imm int32) Instruction { return ri7(OpSHLI, rt, ra, imm) }

// SHLQBYI shifts the quadword left by imm bytes.
func SHLQBYI(rt, ra Register, imm int32) Instruction { return ri7(OpSHLQBYI, rt, ra, imm) }

// ROTQBYI rotates the quadword left by imm bytes.
func ROTQBYI(rt, ra Register, imm int32) Instruction { return ri7(OpROTQBYI, rt, ra, imm) }

// LQD loads a quadword from ra + imm*16.
func LQD(rt, ra Register, imm int32) Instruction { return ri10(OpLQD, rt, ra, imm) }

// STQD stores a quadword to ra + imm*16.
func STQD(rt, ra Register, imm int32) Instruction { return ri10(OpSTQD, rt, ra, imm) }

// LQA loads a quadword from the absolute word address imm*4.
func LQA(rt Register, imm int32) Instruction { return ri16(OpLQA, rt, imm) }

// STQA stores a quadword to the absolute word address imm*4.
func STQA(rt Register, imm int32) Instruction { return ri16(OpSTQA, rt, imm) }

// BR branches relative to the branch by offset words.
func BR(offset int32) Instruction { return ri16(OpBR, Zero, offset) }

// BRA branches to the absolute word address.
func BRA(wordAddr int32) Instruction { return ri16(OpBRA, Zero, wordAddr) }

// BRZ branches by offset words if the preferred slot of rt is zero.
func BRZ(rt Register, offset int32) Instruction { return ri16(OpBRZ, rt, offset) }

// BRNZ branches by offset words if the preferred slot of rt is not zero.
func BRNZ(rt Register, offset int32) Instruction { return ri16(OpBRNZ, rt, offset) }

// BI branches to the byte address in the preferred slot of ra.
func BI(ra Register) Instruction { return rr(OpBI, Zero, ra, Zero) }

// WRCH writes the preferred slot of rt to channel ch.
func WRCH(ch int, rt Register) Instruction {
	return rr(OpWRCH, rt, Register{Index: ch, Slot: NoSlot}, Zero)
}

// RDCH reads channel ch into the preferred slot of rt.
func RDCH(rt Register, ch int) Instruction {
	return rr(OpRDCH, rt, Register{Index: ch, Slot: NoSlot}, Zero)
}

// RCHCNT reads the count of channel ch into the preferred slot of rt.
func RCHCNT(rt Register, ch int) Instruction {
	return rr(OpRCHCNT, rt, Register{Index: ch, Slot: NoSlot}, Zero)
}

// NOP is the even pipeline no-op.
func NOP() Instruction { return rr(OpNOP, Zero, Zero, Zero) }

// LNOP is the odd pipeline no-op.
func LNOP() Instruction { return rr(OpLNOP, Zero, Zero, Zero) }

// STOP halts the context and reports signal to the host.
func STOP(signal uint32) Instruction {
	return Instruction{op: OpSTOP, kind: KindStop, word: signal & 0x3FFF}
}

// Pad returns the no-op that fills a slot of the given pipeline.
func Pad(p Pipeline) Instruction {
	if p == PipelineOdd {
		return LNOP()
	}
	return NOP()
}

// Mark returns the zero-width marker placing l at the current position.
func Mark(l *Label) Instruction {
	return Instruction{kind: KindLabel, label: l}
}

// BranchTo is an unconditional relative branch to l.
func BranchTo(l *Label) Instruction {
	return Instruction{op: OpBR, kind: KindBranch, word: encodeRI16(opTable[OpBR].opcode, 0, 0), label: l}
}

// BranchZeroTo branches to l if the preferred slot of rt is zero.
func BranchZeroTo(rt Register, l *Label) Instruction {
	return Instruction{op: OpBRZ, kind: KindBranch, word: encodeRI16(opTable[OpBRZ].opcode, 0, rt.field()), label: l}
}

// BranchNotZeroTo branches to l if the preferred slot of rt is not zero.
func BranchNotZeroTo(rt Register, l *Label) Instruction {
	return Instruction{op: OpBRNZ, kind: KindBranch, word: encodeRI16(opTable[OpBRNZ].opcode, 0, rt.field()), label: l}
}

// LoadWord emits the instructions that place value in every word of rt.
// Small values need a single il.
func LoadWord(rt Register, value uint32) []Instruction {
	if int32(value) >= -0x8000 && int32(value) < 0x8000 {
		return []Instruction{IL(rt, int32(value))}
	}
	return []Instruction{ILHU(rt, uint16(value>>16)), IOHL(rt, uint16(value))}
}
