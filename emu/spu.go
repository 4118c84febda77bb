// Package emu provides a functional SPU emulator. SPU runs one context;
// Emulator runs several of them concurrently behind the native.Executor
// interface.
package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/spurt/insts"
)

var (
	// ErrMaxInstructions is returned when a context exceeds its
	// instruction budget.
	ErrMaxInstructions = errors.New("max instructions reached")
	// ErrUnknownInstruction is returned when the PC reaches a word that
	// does not decode.
	ErrUnknownInstruction = errors.New("unknown instruction")
	// ErrShutdown is returned when the emulator is closed under a running
	// context.
	ErrShutdown = errors.New("emulator shut down")
)

// StepResult represents the result of executing a single instruction.
type StepResult struct {
	// Stopped is true if a stop instruction halted the context.
	Stopped bool

	// Signal is the stop signal if Stopped is true.
	Signal uint32

	// Exited is true if the stop terminates the context.
	Exited bool

	// Err is set if an error occurred during execution.
	Err error
}

// Timer observes retired instructions and accounts cycles.
type Timer interface {
	Retire(pc uint32, inst insts.Instruction)
	Cycles() uint64
}

// CodeInvalidator is implemented by timers that buffer fetched code and must
// drop it when the local store is rewritten.
type CodeInvalidator interface {
	InvalidateCode(addr uint32, size int)
}

// SPU executes SPU instructions for one context.
type SPU struct {
	regFile *RegFile
	ls      *LocalStore
	decoder *insts.Decoder
	timer   Timer

	alu        *ALU
	lsu        *LoadStoreUnit
	branchUnit *BranchUnit
	channels   *ChannelUnit

	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
}

// SPUOption configures an SPU.
type SPUOption func(*SPU)

// WithSPUMaxInstructions sets the instruction budget of the context.
// A value of 0 means no limit.
func WithSPUMaxInstructions(max uint64) SPUOption {
	return func(s *SPU) {
		s.maxInstructions = max
	}
}

// WithTimer attaches a timing model.
func WithTimer(t Timer) SPUOption {
	return func(s *SPU) {
		s.timer = t
	}
}

// WithDecoder shares a decoder between contexts.
func WithDecoder(d *insts.Decoder) SPUOption {
	return func(s *SPU) {
		s.decoder = d
	}
}

// WithShutdown sets the channel that unblocks mailbox writes when closed.
func WithShutdown(closed <-chan struct{}) SPUOption {
	return func(s *SPU) {
		s.channels = NewChannelUnit(s.regFile, closed)
	}
}

// NewSPU creates a context with a zeroed register file and local store.
func NewSPU(opts ...SPUOption) *SPU {
	regFile := &RegFile{}
	ls := NewLocalStore()

	s := &SPU{
		regFile: regFile,
		ls:      ls,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.decoder == nil {
		s.decoder = insts.NewDecoder()
	}
	if s.channels == nil {
		s.channels = NewChannelUnit(regFile, nil)
	}
	s.alu = NewALU(regFile)
	s.lsu = NewLoadStoreUnit(regFile, ls)
	s.branchUnit = NewBranchUnit(regFile)

	return s
}

// RegFile returns the register file.
func (s *SPU) RegFile() *RegFile {
	return s.regFile
}

// LocalStore returns the local store.
func (s *SPU) LocalStore() *LocalStore {
	return s.ls
}

// Channels returns the channel unit.
func (s *SPU) Channels() *ChannelUnit {
	return s.channels
}

// InstructionCount returns the number of instructions executed.
func (s *SPU) InstructionCount() uint64 {
	return s.instructionCount
}

// Cycles returns the cycles accounted by the timer, or zero without one.
func (s *SPU) Cycles() uint64 {
	if s.timer == nil {
		return 0
	}
	return s.timer.Cycles()
}

// LoadProgram copies code to addr and points the PC at it.
func (s *SPU) LoadProgram(addr uint32, code []byte) error {
	if err := s.ls.Load(addr, code); err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	s.regFile.PC = addr
	return nil
}

// Step executes a single instruction.
func (s *SPU) Step() StepResult {
	if s.maxInstructions > 0 && s.instructionCount >= s.maxInstructions {
		return StepResult{Err: fmt.Errorf("%w: %d", ErrMaxInstructions, s.maxInstructions)}
	}

	pc := s.regFile.PC
	inst := s.decoder.Decode(s.ls.Read32(pc))

	result := s.execute(inst)
	if result.Err == nil {
		s.instructionCount++
		if s.timer != nil {
			s.timer.Retire(pc, inst)
		}
	}
	return result
}

// Run executes instructions until the context stops or fails.
func (s *SPU) Run() StepResult {
	for {
		result := s.Step()
		if result.Stopped || result.Err != nil {
			return result
		}
	}
}

func (s *SPU) execute(inst insts.Instruction) StepResult {
	rt, ra, rb := inst.RT(), inst.RA(), inst.RB()
	imm := inst.Imm()

	switch inst.Op() {
	case insts.OpUnknown:
		return StepResult{Err: fmt.Errorf("%w 0x%08X at PC=0x%X", ErrUnknownInstruction, inst.Word(), s.regFile.PC)}
	case insts.OpSTOP:
		s.regFile.PC = (s.regFile.PC + insts.WordSize) & lsMask
		signal := inst.Signal()
		return StepResult{Stopped: true, Signal: signal, Exited: signal >= insts.SignalExit}

	case insts.OpA:
		s.alu.A(rt, ra, rb)
	case insts.OpSF:
		s.alu.SF(rt, ra, rb)
	case insts.OpAND:
		s.alu.AND(rt, ra, rb)
	case insts.OpOR:
		s.alu.OR(rt, ra, rb)
	case insts.OpXOR:
		s.alu.XOR(rt, ra, rb)
	case insts.OpCEQ:
		s.alu.CEQ(rt, ra, rb)
	case insts.OpCGT:
		s.alu.CGT(rt, ra, rb)
	case insts.OpMPY:
		s.alu.MPY(rt, ra, rb)
	case insts.OpFA:
		s.alu.FA(rt, ra, rb)
	case insts.OpFS:
		s.alu.FS(rt, ra, rb)
	case insts.OpFM:
		s.alu.FM(rt, ra, rb)
	case insts.OpAI:
		s.alu.AI(rt, ra, imm)
	case insts.OpSFI:
		s.alu.SFI(rt, ra, imm)
	case insts.OpANDI:
		s.alu.ANDI(rt, ra, imm)
	case insts.OpORI:
		s.alu.ORI(rt, ra, imm)
	case insts.OpXORI:
		s.alu.XORI(rt, ra, imm)
	case insts.OpCEQI:
		s.alu.CEQI(rt, ra, imm)
	case insts.OpCGTI:
		s.alu.CGTI(rt, ra, imm)
	case insts.OpMPYI:
		s.alu.MPYI(rt, ra, imm)
	case insts.OpIL:
		s.alu.IL(rt, imm)
	case insts.OpILHU:
		s.alu.ILHU(rt, inst.UImm())
	case insts.OpIOHL:
		s.alu.IOHL(rt, inst.UImm())
	case insts.OpILA:
		s.alu.ILA(rt, inst.UImm())
	case insts.OpSHLI:
		s.alu.SHLI(rt, ra, imm)
	case insts.OpSHLQBYI:
		s.alu.SHLQBYI(rt, ra, imm)
	case insts.OpROTQBYI:
		s.alu.ROTQBYI(rt, ra, imm)

	case insts.OpLQD:
		s.lsu.LQD(rt, ra, imm)
	case insts.OpSTQD:
		s.lsu.STQD(rt, ra, imm)
	case insts.OpLQA:
		s.lsu.LQA(rt, imm)
	case insts.OpSTQA:
		s.lsu.STQA(rt, imm)

	case insts.OpBR:
		s.branchUnit.BR(imm)
		return StepResult{}
	case insts.OpBRA:
		s.branchUnit.BRA(imm)
		return StepResult{}
	case insts.OpBRZ:
		if s.branchUnit.BRZ(rt, imm) {
			return StepResult{}
		}
	case insts.OpBRNZ:
		if s.branchUnit.BRNZ(rt, imm) {
			return StepResult{}
		}
	case insts.OpBI:
		s.branchUnit.BI(ra)
		return StepResult{}

	case insts.OpWRCH:
		if !s.channels.WRCH(ra, rt) {
			return StepResult{Err: ErrShutdown}
		}
	case insts.OpRDCH:
		s.channels.RDCH(rt, ra)
	case insts.OpRCHCNT:
		s.channels.RCHCNT(rt, ra)

	case insts.OpNOP, insts.OpLNOP:
	default:
		return StepResult{Err: fmt.Errorf("unimplemented op %s at PC=0x%X", inst.Op(), s.regFile.PC)}
	}

	s.regFile.PC = (s.regFile.PC + insts.WordSize) & lsMask
	return StepResult{}
}

func (s *SPU) invalidateCode(addr uint32, size int) {
	if inv, ok := s.timer.(CodeInvalidator); ok {
		inv.InvalidateCode(addr, size)
	}
}
