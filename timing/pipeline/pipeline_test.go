package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/timing/latency"
	"github.com/sarchlab/spurt/timing/pipeline"
)

var _ = Describe("Pipeline", func() {
	var (
		p  *pipeline.Pipeline
		r3 = insts.GP(3)
		r4 = insts.GP(4)
		r5 = insts.GP(5)
	)

	BeforeEach(func() {
		p = pipeline.NewPipeline()
	})

	It("should start empty", func() {
		Expect(p.Cycles()).To(BeZero())
		Expect(p.Stats().CPI()).To(BeZero())
	})

	It("should dual-issue an aligned even/odd pair", func() {
		Expect(p.Issue(0x00, insts.IL(r3, 1))).To(Equal(uint64(0)))
		Expect(p.Issue(0x04, insts.LNOP())).To(Equal(uint64(0)))

		stats := p.Stats()
		Expect(stats.Cycles).To(Equal(uint64(1)))
		Expect(stats.Instructions).To(Equal(uint64(2)))
		Expect(stats.DualIssued).To(Equal(uint64(1)))
		Expect(stats.CPI()).To(Equal(0.5))
	})

	It("should not pair across a doubleword boundary", func() {
		p.Issue(0x04, insts.IL(r3, 1))
		Expect(p.Issue(0x08, insts.LNOP())).To(Equal(uint64(1)))
		Expect(p.Stats().DualIssued).To(BeZero())
	})

	It("should not pair two even instructions", func() {
		p.Issue(0x00, insts.IL(r3, 1))
		Expect(p.Issue(0x04, insts.IL(r4, 2))).To(Equal(uint64(1)))
	})

	It("should not pair a third instruction", func() {
		p.Issue(0x00, insts.IL(r3, 1))
		p.Issue(0x04, insts.LNOP())
		Expect(p.Issue(0x08, insts.IL(r4, 2))).To(Equal(uint64(1)))
	})

	It("should stall on a dependent operand", func() {
		p.Issue(0x00, insts.IL(r3, 1))
		Expect(p.Issue(0x04, insts.SHLQBYI(r4, r3, 4))).To(Equal(uint64(2)))

		stats := p.Stats()
		Expect(stats.DualIssued).To(BeZero())
		Expect(stats.DataHazards).To(Equal(uint64(1)))
		Expect(stats.Stalls).To(Equal(uint64(1)))
		Expect(stats.Cycles).To(Equal(uint64(3)))
	})

	It("should wait out long latency results", func() {
		p.Issue(0x00, insts.FM(r3, r4, r5))
		Expect(p.Issue(0x04, insts.FA(r4, r3, r3))).To(Equal(uint64(6)))
	})

	It("should charge a taken branch", func() {
		p.Issue(0x10, insts.BR(4))
		Expect(p.Issue(0x20, insts.IL(r3, 1))).To(Equal(uint64(19)))

		stats := p.Stats()
		Expect(stats.Flushes).To(Equal(uint64(1)))
		Expect(stats.Stalls).To(Equal(uint64(18)))
	})

	It("should not charge a fall-through branch", func() {
		p.Issue(0x10, insts.BRZ(r3, 4))
		Expect(p.Issue(0x14, insts.IL(r3, 1))).To(Equal(uint64(1)))
		Expect(p.Stats().Flushes).To(BeZero())
	})

	It("should use a custom latency table", func() {
		config := latency.DefaultTimingConfig()
		config.BranchTakenPenalty = 2
		p = pipeline.NewPipeline(pipeline.WithLatencyTable(latency.NewTableWithConfig(config)))

		p.Issue(0x10, insts.BR(4))
		Expect(p.Issue(0x20, insts.NOP())).To(Equal(uint64(3)))
	})

	It("should add front-end stalls and block pairing", func() {
		p.Issue(0x00, insts.IL(r3, 1))
		p.Stall(5)
		Expect(p.Issue(0x04, insts.LNOP())).To(Equal(uint64(6)))

		stats := p.Stats()
		Expect(stats.FetchStalls).To(Equal(uint64(5)))
		Expect(stats.DualIssued).To(BeZero())
	})

	It("should reset", func() {
		p.Issue(0x00, insts.FM(r3, r4, r5))
		p.Reset()
		Expect(p.Issue(0x04, insts.FA(r4, r3, r3))).To(Equal(uint64(0)))
		Expect(p.Stats().Instructions).To(Equal(uint64(1)))
	})
})

var _ = Describe("HazardUnit", func() {
	var (
		h  = pipeline.NewHazardUnit()
		r1 = insts.GP(1)
		r2 = insts.GP(2)
		r3 = insts.GP(3)
	)

	DescribeTable("operands",
		func(inst insts.Instruction, sources []uint8, dst uint8, writes bool) {
			Expect(h.Sources(inst)).To(Equal(sources))
			got, ok := h.Destination(inst)
			Expect(ok).To(Equal(writes))
			if writes {
				Expect(got).To(Equal(dst))
			}
		},
		Entry("a", insts.A(r3, r1, r2), []uint8{1, 2}, uint8(3), true),
		Entry("ai", insts.AI(r3, r1, 1), []uint8{1}, uint8(3), true),
		Entry("il", insts.IL(r3, 1), []uint8(nil), uint8(3), true),
		Entry("iohl", insts.IOHL(r3, 1), []uint8{3}, uint8(3), true),
		Entry("stqd", insts.STQD(r3, r1, 0), []uint8{1, 3}, uint8(0), false),
		Entry("brnz", insts.BRNZ(r3, -1), []uint8{3}, uint8(0), false),
		Entry("wrch", insts.WRCH(28, r3), []uint8{3}, uint8(0), false),
		Entry("rdch", insts.RDCH(r3, 28), []uint8(nil), uint8(3), true),
		Entry("stop", insts.STOP(0x2000), []uint8(nil), uint8(0), false),
	)

	It("should detect dependencies", func() {
		Expect(h.DependsOn(insts.A(r3, r1, r2), 2)).To(BeTrue())
		Expect(h.DependsOn(insts.A(r3, r1, r2), 3)).To(BeFalse())
	})
})
