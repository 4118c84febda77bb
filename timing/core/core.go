// Package core provides the SPU timing core model. It combines the
// instruction line buffer and the pair-issue pipeline behind the emu.Timer
// interface.
package core

import (
	"github.com/sarchlab/spurt/emu"
	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/timing/cache"
	"github.com/sarchlab/spurt/timing/latency"
	"github.com/sarchlab/spurt/timing/pipeline"
)

// Stats holds performance statistics for the core.
type Stats struct {
	// Cycles is the total number of cycles simulated.
	Cycles uint64
	// Instructions is the number of instructions retired.
	Instructions uint64
	// Stalls is the number of stall cycles.
	Stalls uint64
	// Flushes is the number of taken branch redirects.
	Flushes uint64
	// DualIssued is the number of instructions issued as the second of a pair.
	DualIssued uint64
	// ILBHits is the number of fetches served by the line buffer.
	ILBHits uint64
	// ILBMisses is the number of fetches that refilled a line.
	ILBMisses uint64
}

// Core is the timing model of one SPU context.
type Core struct {
	// Pipeline is the underlying pair-issue pipeline.
	Pipeline *pipeline.Pipeline
	// ILB is the instruction line buffer.
	ILB *cache.Cache
}

// NewCore creates a Core that fetches from ls. A nil config selects the
// default SPU timing.
func NewCore(config *latency.TimingConfig, ls *emu.LocalStore) *Core {
	if config == nil {
		config = latency.DefaultTimingConfig()
	}

	var backing cache.BackingStore
	if ls != nil {
		backing = cache.NewLocalStoreBacking(ls)
	}

	return &Core{
		Pipeline: pipeline.NewPipeline(
			pipeline.WithLatencyTable(latency.NewTableWithConfig(config)),
		),
		ILB: cache.New(cache.Config{
			Size:          config.ILBSize,
			Associativity: config.ILBAssociativity,
			BlockSize:     config.ILBLineSize,
			MissLatency:   config.ILBMissPenalty,
		}, backing),
	}
}

// Factory returns a constructor suitable for emu.WithTiming.
func Factory(config *latency.TimingConfig) func(ls *emu.LocalStore) emu.Timer {
	return func(ls *emu.LocalStore) emu.Timer {
		return NewCore(config, ls)
	}
}

// Retire accounts one instruction fetched from pc.
func (c *Core) Retire(pc uint32, inst insts.Instruction) {
	if fetch := c.ILB.Fetch(uint64(pc)); !fetch.Hit {
		c.Pipeline.Stall(fetch.Latency)
	}
	c.Pipeline.Issue(pc, inst)
}

// Cycles returns the cycles accounted so far.
func (c *Core) Cycles() uint64 {
	return c.Pipeline.Cycles()
}

// InvalidateCode drops buffered lines overlapping a rewritten range.
func (c *Core) InvalidateCode(addr uint32, size int) {
	c.ILB.InvalidateRange(uint64(addr), size)
}

// Stats returns the core performance statistics.
func (c *Core) Stats() Stats {
	ps := c.Pipeline.Stats()
	cs := c.ILB.Stats()
	return Stats{
		Cycles:       ps.Cycles,
		Instructions: ps.Instructions,
		Stalls:       ps.Stalls,
		Flushes:      ps.Flushes,
		DualIssued:   ps.DualIssued,
		ILBHits:      cs.Hits,
		ILBMisses:    cs.Misses,
	}
}

// Reset clears the pipeline and line buffer.
func (c *Core) Reset() {
	c.Pipeline.Reset()
	c.ILB.Reset()
}
