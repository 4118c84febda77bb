// Package latency provides instruction timing models for the SPU timing
// simulation.
//
// The latency values follow the Cell SPU pipeline and can be configured via
// TimingConfig.
package latency

import (
	"github.com/sarchlab/spurt/insts"
)

// Table provides instruction latency lookups.
type Table struct {
	config *TimingConfig
}

// NewTable creates a new latency table with default SPU timing values.
func NewTable() *Table {
	return &Table{
		config: DefaultTimingConfig(),
	}
}

// NewTableWithConfig creates a new latency table with custom timing configuration.
func NewTableWithConfig(config *TimingConfig) *Table {
	return &Table{
		config: config,
	}
}

// GetLatency returns the result latency in cycles for the given instruction.
func (t *Table) GetLatency(inst insts.Instruction) uint64 {
	switch inst.Op() {
	case insts.OpA, insts.OpSF, insts.OpAND, insts.OpOR, insts.OpXOR,
		insts.OpCEQ, insts.OpCGT, insts.OpAI, insts.OpSFI, insts.OpANDI,
		insts.OpORI, insts.OpXORI, insts.OpCEQI, insts.OpCGTI,
		insts.OpIL, insts.OpILHU, insts.OpIOHL, insts.OpILA:
		return t.config.SimpleFixedLatency

	case insts.OpSHLI:
		return t.config.ShiftLatency

	case insts.OpMPY, insts.OpMPYI:
		return t.config.MultiplyLatency

	case insts.OpFA, insts.OpFS, insts.OpFM:
		return t.config.FloatLatency

	case insts.OpSHLQBYI, insts.OpROTQBYI:
		return t.config.PermuteLatency

	case insts.OpLQD, insts.OpSTQD, insts.OpLQA, insts.OpSTQA:
		return t.config.LoadStoreLatency

	case insts.OpBR, insts.OpBRA, insts.OpBRZ, insts.OpBRNZ, insts.OpBI:
		return t.config.BranchLatency

	case insts.OpWRCH, insts.OpRDCH, insts.OpRCHCNT:
		return t.config.ChannelLatency

	default:
		return 1
	}
}

// IsMemoryOp returns true if the instruction accesses the local store.
func (t *Table) IsMemoryOp(inst insts.Instruction) bool {
	return t.IsLoadOp(inst) || t.IsStoreOp(inst)
}

// IsLoadOp returns true if the instruction is a load operation.
func (t *Table) IsLoadOp(inst insts.Instruction) bool {
	return inst.Op() == insts.OpLQD || inst.Op() == insts.OpLQA
}

// IsStoreOp returns true if the instruction is a store operation.
func (t *Table) IsStoreOp(inst insts.Instruction) bool {
	return inst.Op() == insts.OpSTQD || inst.Op() == insts.OpSTQA
}

// IsBranchOp returns true if the instruction can redirect the fetch.
func (t *Table) IsBranchOp(inst insts.Instruction) bool {
	return inst.Op().IsBranch()
}

// Config returns the current timing configuration.
func (t *Table) Config() *TimingConfig {
	return t.config
}
