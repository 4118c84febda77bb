// Package pipeline provides the SPU dual-issue timing model. Instructions
// are fed in retirement order by the functional emulator and assigned an
// issue cycle from operand readiness, pairing rules and branch redirects.
package pipeline

import (
	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/timing/latency"
)

// Statistics holds pipeline performance statistics.
type Statistics struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions issued.
	Instructions uint64
	// Stalls is the number of cycles lost before an issue.
	Stalls uint64
	// Flushes is the number of taken branch redirects.
	Flushes uint64
	// DataHazards is the number of issues delayed by an operand.
	DataHazards uint64
	// FetchStalls is the number of cycles charged by the front end.
	FetchStalls uint64
	// DualIssued is the number of instructions issued as the second of a pair.
	DualIssued uint64
}

// CPI returns the cycles per instruction.
func (s Statistics) CPI() float64 {
	if s.Instructions == 0 {
		return 0
	}
	return float64(s.Cycles) / float64(s.Instructions)
}

// PipelineOption is a functional option for configuring the Pipeline.
type PipelineOption func(*Pipeline)

// WithLatencyTable sets the latency table used for results and branches.
func WithLatencyTable(table *latency.Table) PipelineOption {
	return func(p *Pipeline) {
		p.latencyTable = table
	}
}

// Pipeline is an in-order pair-issue scoreboard.
type Pipeline struct {
	latencyTable *latency.Table
	hazards      *HazardUnit

	ready      [insts.NumRegisters]uint64
	last       issued
	fetchDelay uint64
	stats      Statistics
}

// NewPipeline creates a pipeline with the default latency table.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		latencyTable: latency.NewTable(),
		hazards:      NewHazardUnit(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stall delays the next issue by the given number of front-end cycles.
func (p *Pipeline) Stall(cycles uint64) {
	p.fetchDelay += cycles
}

// Issue schedules the instruction fetched from pc and returns its issue
// cycle.
func (p *Pipeline) Issue(pc uint32, inst insts.Instruction) uint64 {
	config := p.latencyTable.Config()

	var base uint64
	if p.last.valid {
		base = p.last.cycle + 1
	}
	earliest := base

	if p.last.valid && p.last.branch && pc != p.last.pc+insts.WordSize {
		p.stats.Flushes++
		earliest = max(earliest, p.last.cycle+1+config.BranchTakenPenalty)
	}
	if p.fetchDelay > 0 {
		p.stats.FetchStalls += p.fetchDelay
		earliest += p.fetchDelay
	}

	var operands uint64
	for _, src := range p.hazards.Sources(inst) {
		operands = max(operands, p.ready[src])
	}

	var issue uint64
	paired := p.fetchDelay == 0 && canDualIssue(p.last, pc, inst) && operands <= p.last.cycle
	p.fetchDelay = 0
	if paired {
		issue = p.last.cycle
		p.stats.DualIssued++
	} else {
		issue = max(earliest, operands)
		if operands > earliest {
			p.stats.DataHazards++
		}
		p.stats.Stalls += issue - base
	}

	if dst, ok := p.hazards.Destination(inst); ok {
		p.ready[dst] = issue + p.latencyTable.GetLatency(inst)
	}

	p.last = issued{
		valid:    true,
		pc:       pc,
		pipeline: inst.Pipeline(),
		branch:   p.latencyTable.IsBranchOp(inst),
		paired:   paired,
		cycle:    issue,
	}
	p.stats.Instructions++
	return issue
}

// Cycles returns the cycles elapsed up to and including the last issue.
func (p *Pipeline) Cycles() uint64 {
	if !p.last.valid {
		return 0
	}
	return p.last.cycle + 1
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Statistics {
	stats := p.stats
	stats.Cycles = p.Cycles()
	return stats
}

// LatencyTable returns the latency table in use.
func (p *Pipeline) LatencyTable() *latency.Table {
	return p.latencyTable
}

// Reset clears the scoreboard and statistics.
func (p *Pipeline) Reset() {
	p.ready = [insts.NumRegisters]uint64{}
	p.last = issued{}
	p.fetchDelay = 0
	p.stats = Statistics{}
}
