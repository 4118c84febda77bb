package core_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/emu"
	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/stream"
	"github.com/sarchlab/spurt/timing/core"
	"github.com/sarchlab/spurt/timing/latency"
)

var _ = Describe("Core", func() {
	var (
		ls *emu.LocalStore
		c  *core.Core
		r3 = insts.GP(3)
	)

	BeforeEach(func() {
		ls = emu.NewLocalStore()
		c = core.NewCore(nil, ls)
	})

	It("should create a core with pipeline and line buffer", func() {
		Expect(c.Pipeline).NotTo(BeNil())
		Expect(c.ILB.Config().BlockSize).To(Equal(64))
		Expect(c.Cycles()).To(BeZero())
	})

	It("should charge a cold fetch once per line", func() {
		c.Retire(0x00, insts.IL(r3, 1))
		c.Retire(0x04, insts.LNOP())
		c.Retire(0x08, insts.NOP())

		stats := c.Stats()
		Expect(stats.ILBMisses).To(Equal(uint64(1)))
		Expect(stats.ILBHits).To(Equal(uint64(2)))
		Expect(stats.DualIssued).To(Equal(uint64(1)))
		// 15 refill cycles, then il+lnop paired, then nop
		Expect(stats.Cycles).To(Equal(uint64(17)))
	})

	It("should refetch invalidated code", func() {
		c.Retire(0x00, insts.NOP())
		c.InvalidateCode(0x00, 4)
		c.Retire(0x00, insts.NOP())
		Expect(c.Stats().ILBMisses).To(Equal(uint64(2)))
	})

	It("should honour a custom configuration", func() {
		config := latency.DefaultTimingConfig()
		config.ILBMissPenalty = 0
		c = core.NewCore(config, nil)

		c.Retire(0x00, insts.NOP())
		c.Retire(0x04, insts.NOP())
		Expect(c.Cycles()).To(Equal(uint64(2)))
	})

	It("should reset", func() {
		c.Retire(0x00, insts.NOP())
		c.Reset()
		Expect(c.Stats()).To(Equal(core.Stats{}))
	})

	Describe("with the emulator", func() {
		run := func(scheduling bool) emu.Stats {
			e := emu.NewEmulator(emu.WithTiming(core.Factory(nil)))
			defer e.Close()

			s := stream.New(stream.WithScheduling(scheduling))
			defer func() { Expect(s.Release()).To(Succeed()) }()

			// r3 = 10 + 9 + ... + 1
			r4 := insts.GP(4)
			loop := insts.NewLabel("loop")
			s.Append(insts.IL(r4, 10))
			s.Append(insts.IL(r3, 0))
			s.Append(insts.Mark(loop))
			s.Append(insts.A(r3, r3, r4))
			s.Append(insts.AI(r4, r4, -1))
			s.Append(insts.BranchNotZeroTo(r4, loop))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())

			ctx := context.Background()
			h, err := e.Submit(ctx, native.Params{CodeAddress: img.Addr(), CodeSize: uint32(img.Size())})
			Expect(err).NotTo(HaveOccurred())
			code, err := e.Wait(ctx, h)
			Expect(err).NotTo(HaveOccurred())
			Expect(code.IsExit()).To(BeTrue())

			var rf native.RegisterFile
			Expect(e.ReadRegisterFile(h, &rf)).To(Succeed())
			Expect(rf[3][0]).To(Equal(uint32(55)))

			st, err := e.Stats(h)
			Expect(err).NotTo(HaveOccurred())
			return st
		}

		It("should account more cycles than instructions for a loop", func() {
			st := run(false)
			Expect(st.Instructions).To(BeNumerically(">", 30))
			Expect(st.Cycles).To(BeNumerically(">", st.Instructions))
		})

		It("should time scheduled and unscheduled streams", func() {
			plain := run(false)
			scheduled := run(true)
			Expect(scheduled.Instructions).To(BeNumerically(">=", plain.Instructions))
			Expect(scheduled.Cycles).To(BeNumerically(">", 0))
		})
	})
})
