// Package insts provides SPU instruction definitions, encoding and decoding.
//
// Instructions are immutable values. Each one carries its 32-bit encoding
// together with the static scheduling metadata the runtime needs: the issue
// pipeline it occupies (even or odd) and its latency. Constructors are pure
// functions; the caller appends the result to a stream explicitly:
//
//	s.Append(insts.AI(rt, ra, 13))
//	s.Append(insts.STOP(0x2000))
//
// Labels are zero-width markers used as branch targets. A branch built with
// BranchTo (or the conditional variants) stays patchable until the owning
// stream renders it, at which point the word offset is filled in.
package insts

import "fmt"

// WordSize is the size of one instruction word in bytes.
const WordSize = 4

// SignalExit is the default terminal stop signal (EXIT_SUCCESS). Every
// signal from SignalExit up terminates the context; lower signals halt it
// resumably.
const SignalExit uint32 = 0x2000

// Op represents an SPU opcode.
type Op uint16

// SPU opcodes supported by the encoder and decoder.
const (
	OpUnknown Op = iota
	OpA
	OpSF
	OpAND
	OpOR
	OpXOR
	OpCEQ
	OpCGT
	OpMPY
	OpFA
	OpFS
	OpFM
	OpAI
	OpSFI
	OpANDI
	OpORI
	OpXORI
	OpCEQI
	OpCGTI
	OpMPYI
	OpIL
	OpILHU
	OpIOHL
	OpILA
	OpSHLI
	OpSHLQBYI
	OpROTQBYI
	OpLQD
	OpSTQD
	OpLQA
	OpSTQA
	OpBR
	OpBRA
	OpBRZ
	OpBRNZ
	OpBI
	OpWRCH
	OpRDCH
	OpRCHCNT
	OpNOP
	OpLNOP
	OpSTOP
	numOps
)

// Format represents an instruction encoding format.
type Format uint8

// Instruction formats.
const (
	FormatUnknown Format = iota
	FormatRR             // 11-bit opcode, RB, RA, RT
	FormatRI7            // 11-bit opcode, 7-bit immediate, RA, RT
	FormatRI10           // 8-bit opcode, 10-bit immediate, RA, RT
	FormatRI16           // 9-bit opcode, 16-bit immediate, RT
	FormatRI18           // 7-bit opcode, 18-bit immediate, RT
	FormatStop           // 11-bit opcode, 14-bit signal
)

// Pipeline identifies one of the two issue pipelines.
type Pipeline uint8

// Issue pipelines. Even-pipeline instructions must occupy even word
// positions and odd-pipeline instructions odd ones for a pair to dual issue.
const (
	PipelineEven Pipeline = 0
	PipelineOdd  Pipeline = 1
)

// Kind tags the variant an Instruction belongs to.
type Kind uint8

// Instruction kinds.
const (
	// KindOp is a plain encoded instruction.
	KindOp Kind = iota
	// KindLabel is a zero-width branch target marker.
	KindLabel
	// KindBranch is a relative branch whose target is a Label that has not
	// been resolved yet.
	KindBranch
	// KindStop is a stop-and-signal instruction.
	KindStop
)

// opInfo is the static description of one opcode.
type opInfo struct {
	name     string
	format   Format
	opcode   uint32
	pipeline Pipeline
	latency  uint64
}

var opTable = [numOps]opInfo{
	OpUnknown: {"unknown", FormatUnknown, 0, PipelineEven, 1},
	OpA:       {"a", FormatRR, 0x0C0, PipelineEven, 2},
	OpSF:      {"sf", FormatRR, 0x040, PipelineEven, 2},
	OpAND:     {"and", FormatRR, 0x0C1, PipelineEven, 2},
	OpOR:      {"or", FormatRR, 0x041, PipelineEven, 2},
	OpXOR:     {"xor", FormatRR, 0x241, PipelineEven, 2},
	OpCEQ:     {"ceq", FormatRR, 0x3C0, PipelineEven, 2},
	OpCGT:     {"cgt", FormatRR, 0x240, PipelineEven, 2},
	OpMPY:     {"mpy", FormatRR, 0x3C4, PipelineEven, 7},
	OpFA:      {"fa", FormatRR, 0x2C4, PipelineEven, 6},
	OpFS:      {"fs", FormatRR, 0x2C5, PipelineEven, 6},
	OpFM:      {"fm", FormatRR, 0x2C6, PipelineEven, 6},
	OpAI:      {"ai", FormatRI10, 0x1C, PipelineEven, 2},
	OpSFI:     {"sfi", FormatRI10, 0x0C, PipelineEven, 2},
	OpANDI:    {"andi", FormatRI10, 0x14, PipelineEven, 2},
	OpORI:     {"ori", FormatRI10, 0x04, PipelineEven, 2},
	OpXORI:    {"xori", FormatRI10, 0x44, PipelineEven, 2},
	OpCEQI:    {"ceqi", FormatRI10, 0x7C, PipelineEven, 2},
	OpCGTI:    {"cgti", FormatRI10, 0x4C, PipelineEven, 2},
	OpMPYI:    {"mpyi", FormatRI10, 0x74, PipelineEven, 7},
	OpIL:      {"il", FormatRI16, 0x081, PipelineEven, 2},
	OpILHU:    {"ilhu", FormatRI16, 0x082, PipelineEven, 2},
	OpIOHL:    {"iohl", FormatRI16, 0x0C1, PipelineEven, 2},
	OpILA:     {"ila", FormatRI18, 0x21, PipelineEven, 2},
	OpSHLI:    {"shli", FormatRI7, 0x07B, PipelineEven, 4},
	OpSHLQBYI: {"shlqbyi", FormatRI7, 0x1FF, PipelineOdd, 4},
	OpROTQBYI: {"rotqbyi", FormatRI7, 0x1FC, PipelineOdd, 4},
	OpLQD:     {"lqd", FormatRI10, 0x34, PipelineOdd, 6},
	OpSTQD:    {"stqd", FormatRI10, 0x24, PipelineOdd, 6},
	OpLQA:     {"lqa", FormatRI16, 0x061, PipelineOdd, 6},
	OpSTQA:    {"stqa", FormatRI16, 0x041, PipelineOdd, 6},
	OpBR:      {"br", FormatRI16, 0x064, PipelineOdd, 4},
	OpBRA:     {"bra", FormatRI16, 0x060, PipelineOdd, 4},
	OpBRZ:     {"brz", FormatRI16, 0x040, PipelineOdd, 4},
	OpBRNZ:    {"brnz", FormatRI16, 0x042, PipelineOdd, 4},
	OpBI:      {"bi", FormatRR, 0x1A8, PipelineOdd, 4},
	OpWRCH:    {"wrch", FormatRR, 0x10D, PipelineOdd, 6},
	OpRDCH:    {"rdch", FormatRR, 0x00D, PipelineOdd, 6},
	OpRCHCNT:  {"rchcnt", FormatRR, 0x00F, PipelineOdd, 6},
	OpNOP:     {"nop", FormatRR, 0x201, PipelineEven, 1},
	OpLNOP:    {"lnop", FormatRR, 0x001, PipelineOdd, 1},
	// stop closes the final issue pair of a stream, so it is modelled on
	// the even pipeline.
	OpSTOP: {"stop", FormatStop, 0x000, PipelineEven, 1},
}

// String returns the mnemonic of the opcode.
func (op Op) String() string {
	if op >= numOps {
		return "unknown"
	}
	return opTable[op].name
}

// Format returns the encoding format of the opcode.
func (op Op) Format() Format {
	if op >= numOps {
		return FormatUnknown
	}
	return opTable[op].format
}

// Pipeline returns the issue pipeline of the opcode.
func (op Op) Pipeline() Pipeline {
	if op >= numOps {
		return PipelineEven
	}
	return opTable[op].pipeline
}

// Latency returns the result latency of the opcode in cycles.
func (op Op) Latency() uint64 {
	if op >= numOps {
		return 1
	}
	return opTable[op].latency
}

// IsBranch returns true for control transfer opcodes.
func (op Op) IsBranch() bool {
	switch op {
	case OpBR, OpBRA, OpBRZ, OpBRNZ, OpBI:
		return true
	default:
		return false
	}
}

// Label is a named branch target. Labels are compared by identity.
type Label struct {
	name string
}

// NewLabel creates a new label.
func NewLabel(name string) *Label {
	return &Label{name: name}
}

// Name returns the label name.
func (l *Label) Name() string {
	return l.name
}

// Instruction is an immutable SPU instruction.
type Instruction struct {
	op    Op
	kind  Kind
	word  uint32
	label *Label
}

// Op returns the opcode.
func (i Instruction) Op() Op { return i.op }

// Kind returns the variant tag.
func (i Instruction) Kind() Kind { return i.kind }

// Word returns the binary rendering. For an unresolved branch the offset
// field is zero.
func (i Instruction) Word() uint32 { return i.word }

// Format returns the encoding format.
func (i Instruction) Format() Format { return i.op.Format() }

// Pipeline returns the issue pipeline.
func (i Instruction) Pipeline() Pipeline { return i.op.Pipeline() }

// Latency returns the result latency in cycles.
func (i Instruction) Latency() uint64 { return i.op.Latency() }

// IsLabel returns true for zero-width label markers.
func (i Instruction) IsLabel() bool { return i.kind == KindLabel }

// IsStop returns true for stop-and-signal instructions.
func (i Instruction) IsStop() bool { return i.kind == KindStop }

// IsExit returns true for stop instructions whose signal terminates the
// context (0x2000 and above).
func (i Instruction) IsExit() bool {
	return i.kind == KindStop && i.Signal() >= SignalExit
}

// Patchable returns true if the instruction still needs its branch target
// resolved.
func (i Instruction) Patchable() bool { return i.kind == KindBranch }

// Label returns the marker of a label instruction or the target of an
// unresolved branch. It is nil for every other kind.
func (i Instruction) Label() *Label { return i.label }

// Signal returns the 14-bit signal of a stop instruction.
func (i Instruction) Signal() uint32 {
	if i.kind != KindStop {
		return 0
	}
	return i.word & 0x3FFF
}

// RT returns the target register field.
func (i Instruction) RT() uint8 { return uint8(i.word & 0x7F) }

// RA returns the first source register field (RR, RI7 and RI10 formats).
func (i Instruction) RA() uint8 { return uint8((i.word >> 7) & 0x7F) }

// RB returns the second source register field (RR format).
func (i Instruction) RB() uint8 { return uint8((i.word >> 14) & 0x7F) }

// Imm returns the sign-extended immediate field for the instruction format.
func (i Instruction) Imm() int32 {
	switch i.Format() {
	case FormatRI7:
		return signExtend((i.word>>14)&0x7F, 7)
	case FormatRI10:
		return signExtend((i.word>>14)&0x3FF, 10)
	case FormatRI16:
		return signExtend((i.word>>7)&0xFFFF, 16)
	case FormatRI18:
		return int32((i.word >> 7) & 0x3FFFF)
	default:
		return 0
	}
}

// UImm returns the immediate field without sign extension.
func (i Instruction) UImm() uint32 {
	switch i.Format() {
	case FormatRI7:
		return (i.word >> 14) & 0x7F
	case FormatRI10:
		return (i.word >> 14) & 0x3FF
	case FormatRI16:
		return (i.word >> 7) & 0xFFFF
	case FormatRI18:
		return (i.word >> 7) & 0x3FFFF
	case FormatStop:
		return i.word & 0x3FFF
	default:
		return 0
	}
}

// Resolve returns the branch with its word offset filled in. from and to
// are word positions in the rendered stream. Instructions that are not
// unresolved branches are returned unchanged.
func (i Instruction) Resolve(from, to int) Instruction {
	if i.kind != KindBranch {
		return i
	}
	return Instruction{
		op:   i.op,
		kind: KindOp,
		word: encodeRI16(opTable[i.op].opcode, uint32(int32(to-from)), uint32(i.RT())),
	}
}

// String returns an assembly rendering of the instruction.
func (i Instruction) String() string {
	switch i.kind {
	case KindLabel:
		return i.label.name + ":"
	case KindBranch:
		if i.op == OpBR {
			return fmt.Sprintf("br %s", i.label.name)
		}
		return fmt.Sprintf("%s $r%d, %s", i.op, i.RT(), i.label.name)
	case KindStop:
		return fmt.Sprintf("stop 0x%X", i.Signal())
	}

	switch i.op {
	case OpNOP, OpLNOP:
		return i.op.String()
	case OpBR, OpBRA:
		return fmt.Sprintf("%s %d", i.op, i.Imm())
	case OpBI:
		return fmt.Sprintf("bi $r%d", i.RA())
	case OpWRCH:
		return fmt.Sprintf("wrch $ch%d, $r%d", i.RA(), i.RT())
	case OpRDCH, OpRCHCNT:
		return fmt.Sprintf("%s $r%d, $ch%d", i.op, i.RT(), i.RA())
	}

	switch i.Format() {
	case FormatRR:
		return fmt.Sprintf("%s $r%d, $r%d, $r%d", i.op, i.RT(), i.RA(), i.RB())
	case FormatRI7, FormatRI10:
		return fmt.Sprintf("%s $r%d, $r%d, %d", i.op, i.RT(), i.RA(), i.Imm())
	case FormatRI16, FormatRI18:
		return fmt.Sprintf("%s $r%d, %d", i.op, i.RT(), i.UImm())
	default:
		return fmt.Sprintf(".word 0x%08X", i.word)
	}
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}
