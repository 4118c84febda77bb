package pipeline

import "github.com/sarchlab/spurt/insts"

// HazardUnit decodes the register operands an instruction reads and writes.
type HazardUnit struct{}

// NewHazardUnit creates a new hazard detection unit.
func NewHazardUnit() *HazardUnit {
	return &HazardUnit{}
}

// Sources returns the registers the instruction reads. Stores, conditional
// branches, channel writes and iohl read their RT field.
func (h *HazardUnit) Sources(inst insts.Instruction) []uint8 {
	switch inst.Op() {
	case insts.OpA, insts.OpSF, insts.OpAND, insts.OpOR, insts.OpXOR,
		insts.OpCEQ, insts.OpCGT, insts.OpMPY, insts.OpFA, insts.OpFS, insts.OpFM:
		return []uint8{inst.RA(), inst.RB()}

	case insts.OpAI, insts.OpSFI, insts.OpANDI, insts.OpORI, insts.OpXORI,
		insts.OpCEQI, insts.OpCGTI, insts.OpMPYI, insts.OpSHLI,
		insts.OpSHLQBYI, insts.OpROTQBYI, insts.OpLQD, insts.OpBI:
		return []uint8{inst.RA()}

	case insts.OpSTQD:
		return []uint8{inst.RA(), inst.RT()}

	case insts.OpIOHL, insts.OpSTQA, insts.OpBRZ, insts.OpBRNZ, insts.OpWRCH:
		return []uint8{inst.RT()}

	default:
		return nil
	}
}

// Destination returns the register the instruction writes, if any.
func (h *HazardUnit) Destination(inst insts.Instruction) (uint8, bool) {
	switch inst.Op() {
	case insts.OpSTQD, insts.OpSTQA, insts.OpBR, insts.OpBRA, insts.OpBRZ,
		insts.OpBRNZ, insts.OpBI, insts.OpWRCH, insts.OpNOP, insts.OpLNOP,
		insts.OpSTOP, insts.OpUnknown:
		return 0, false
	default:
		return inst.RT(), true
	}
}

// DependsOn returns true if inst reads reg.
func (h *HazardUnit) DependsOn(inst insts.Instruction, reg uint8) bool {
	for _, src := range h.Sources(inst) {
		if src == reg {
			return true
		}
	}
	return false
}
