package pipeline

import "github.com/sarchlab/spurt/insts"

// pairAlignment is the fetch group the two pipelines issue from.
const pairAlignment = 8

// issued records the last instruction that left the issue stage.
type issued struct {
	valid    bool
	pc       uint32
	pipeline insts.Pipeline
	branch   bool
	paired   bool
	cycle    uint64
}

// canDualIssue checks if inst can issue in the same cycle as prev. The SPU
// pairs an even-pipeline instruction at a doubleword boundary with the
// odd-pipeline instruction that follows it.
func canDualIssue(prev issued, pc uint32, inst insts.Instruction) bool {
	if !prev.valid || prev.paired {
		return false
	}
	if prev.pc%pairAlignment != 0 || pc != prev.pc+insts.WordSize {
		return false
	}
	return prev.pipeline == insts.PipelineEven && inst.Pipeline() == insts.PipelineOdd
}
