package emu

import (
	"math"

	"github.com/sarchlab/spurt/native"
)

// ALU implements the even pipeline word arithmetic. Every operation works
// on all four slots.
type ALU struct {
	regFile *RegFile
}

// NewALU creates a new ALU connected to the given register file.
func NewALU(regFile *RegFile) *ALU {
	return &ALU{regFile: regFile}
}

func (a *ALU) binary(rt, ra, rb uint8, f func(x, y uint32) uint32) {
	x, y := a.regFile.ReadQuad(ra), a.regFile.ReadQuad(rb)
	var out native.Quad
	for i := range out {
		out[i] = f(x[i], y[i])
	}
	a.regFile.WriteQuad(rt, out)
}

func (a *ALU) immediate(rt, ra uint8, imm int32, f func(x, y uint32) uint32) {
	x := a.regFile.ReadQuad(ra)
	var out native.Quad
	for i := range out {
		out[i] = f(x[i], uint32(imm))
	}
	a.regFile.WriteQuad(rt, out)
}

func add(x, y uint32) uint32 { return x + y }
func sub(x, y uint32) uint32 { return y - x }
func and(x, y uint32) uint32 { return x & y }
func or(x, y uint32) uint32  { return x | y }
func xor(x, y uint32) uint32 { return x ^ y }

func mask(b bool) uint32 {
	if b {
		return 0xFFFFFFFF
	}
	return 0
}

func ceq(x, y uint32) uint32 { return mask(x == y) }
func cgt(x, y uint32) uint32 { return mask(int32(x) > int32(y)) }

// mpy multiplies the signed low halfwords.
func mpy(x, y uint32) uint32 {
	return uint32(int32(int16(x)) * int32(int16(y)))
}

func fadd(x, y uint32) uint32 {
	return math.Float32bits(math.Float32frombits(x) + math.Float32frombits(y))
}

func fsub(x, y uint32) uint32 {
	return math.Float32bits(math.Float32frombits(x) - math.Float32frombits(y))
}

func fmul(x, y uint32) uint32 {
	return math.Float32bits(math.Float32frombits(x) * math.Float32frombits(y))
}

// A performs rt = ra + rb.
func (a *ALU) A(rt, ra, rb uint8) { a.binary(rt, ra, rb, add) }

// SF performs rt = rb - ra.
func (a *ALU) SF(rt, ra, rb uint8) { a.binary(rt, ra, rb, sub) }

// AND performs rt = ra & rb.
func (a *ALU) AND(rt, ra, rb uint8) { a.binary(rt, ra, rb, and) }

// OR performs rt = ra | rb.
func (a *ALU) OR(rt, ra, rb uint8) { a.binary(rt, ra, rb, or) }

// XOR performs rt = ra ^ rb.
func (a *ALU) XOR(rt, ra, rb uint8) { a.binary(rt, ra, rb, xor) }

// CEQ sets rt to all ones where ra == rb.
func (a *ALU) CEQ(rt, ra, rb uint8) { a.binary(rt, ra, rb, ceq) }

// CGT sets rt to all ones where ra > rb, signed.
func (a *ALU) CGT(rt, ra, rb uint8) { a.binary(rt, ra, rb, cgt) }

// MPY multiplies the signed low halfwords of ra and rb.
func (a *ALU) MPY(rt, ra, rb uint8) { a.binary(rt, ra, rb, mpy) }

// FA performs a single precision add.
func (a *ALU) FA(rt, ra, rb uint8) { a.binary(rt, ra, rb, fadd) }

// FS performs a single precision subtract, rt = ra - rb.
func (a *ALU) FS(rt, ra, rb uint8) { a.binary(rt, ra, rb, fsub) }

// FM performs a single precision multiply.
func (a *ALU) FM(rt, ra, rb uint8) { a.binary(rt, ra, rb, fmul) }

// AI performs rt = ra + imm.
func (a *ALU) AI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, add) }

// SFI performs rt = imm - ra.
func (a *ALU) SFI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, sub) }

// ANDI performs rt = ra & imm.
func (a *ALU) ANDI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, and) }

// ORI performs rt = ra | imm.
func (a *ALU) ORI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, or) }

// XORI performs rt = ra ^ imm.
func (a *ALU) XORI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, xor) }

// CEQI sets rt to all ones where ra == imm.
func (a *ALU) CEQI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, ceq) }

// CGTI sets rt to all ones where ra > imm, signed.
func (a *ALU) CGTI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, cgt) }

// MPYI multiplies the signed low halfword of ra by imm.
func (a *ALU) MPYI(rt, ra uint8, imm int32) { a.immediate(rt, ra, imm, mpy) }

// IL loads a sign-extended immediate into every slot.
func (a *ALU) IL(rt uint8, imm int32) {
	a.regFile.WriteQuad(rt, native.Splat(uint32(imm)))
}

// ILHU loads imm into the upper halfword of every slot.
func (a *ALU) ILHU(rt uint8, imm uint32) {
	a.regFile.WriteQuad(rt, native.Splat((imm&0xFFFF)<<16))
}

// IOHL ors imm into the lower halfword of every slot.
func (a *ALU) IOHL(rt uint8, imm uint32) {
	a.immediate(rt, rt, int32(imm&0xFFFF), or)
}

// ILA loads an 18-bit unsigned immediate into every slot.
func (a *ALU) ILA(rt uint8, imm uint32) {
	a.regFile.WriteQuad(rt, native.Splat(imm&0x3FFFF))
}

// SHLI shifts every slot left by imm bits; counts of 32 or more clear it.
func (a *ALU) SHLI(rt, ra uint8, imm int32) {
	n := uint32(imm) & 0x3F
	a.immediate(rt, ra, imm, func(x, _ uint32) uint32 {
		if n >= 32 {
			return 0
		}
		return x << n
	})
}

// SHLQBYI shifts the whole quadword left by imm bytes.
func (a *ALU) SHLQBYI(rt, ra uint8, imm int32) {
	n := int(uint32(imm) & 0x1F)
	a.regFile.WriteQuad(rt, shiftBytes(a.regFile.ReadQuad(ra), n, false))
}

// ROTQBYI rotates the whole quadword left by imm bytes.
func (a *ALU) ROTQBYI(rt, ra uint8, imm int32) {
	n := int(uint32(imm) & 0xF)
	a.regFile.WriteQuad(rt, shiftBytes(a.regFile.ReadQuad(ra), n, true))
}

func shiftBytes(q native.Quad, n int, rotate bool) native.Quad {
	var in, out [16]byte
	for i, w := range q {
		in[i*4] = byte(w >> 24)
		in[i*4+1] = byte(w >> 16)
		in[i*4+2] = byte(w >> 8)
		in[i*4+3] = byte(w)
	}
	for i := range out {
		src := i + n
		switch {
		case rotate:
			out[i] = in[src%16]
		case src < 16:
			out[i] = in[src]
		}
	}
	var r native.Quad
	for i := range r {
		r[i] = uint32(out[i*4])<<24 | uint32(out[i*4+1])<<16 | uint32(out[i*4+2])<<8 | uint32(out[i*4+3])
	}
	return r
}
