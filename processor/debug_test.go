package processor_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/emu"
	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/processor"
	"github.com/sarchlab/spurt/stream"
)

var _ = Describe("DebugProcessor", func() {
	var (
		e      *emu.Emulator
		dbg    *processor.DebugProcessor
		ctx    context.Context
		s      *stream.Stream
		r3, r6 insts.Register
		r7     insts.Register
	)

	BeforeEach(func() {
		e = emu.NewEmulator(emu.WithMaxInstructions(1 << 20))
		dbg = processor.NewDebug(e, processor.WithLogger(GinkgoLogr))
		ctx = context.Background()
		s = stream.New()
		r3, r6, r7 = insts.GP(3), insts.GP(6), insts.GP(7)
	})

	AfterEach(func() {
		e.Close()
		Expect(s.Release()).To(Succeed())
	})

	register := func(i int) uint32 {
		rf, err := dbg.Registers()
		Expect(err).NotTo(HaveOccurred())
		return rf[i][0]
	}

	Describe("stepping", func() {
		var original []insts.Instruction

		BeforeEach(func() {
			s.Append(insts.IL(r6, 1))
			for i := 0; i < 4; i++ {
				s.Append(insts.AI(r6, r6, 1))
			}
			original = s.Instructions()
			Expect(dbg.Prepare(s, native.Params{})).To(Succeed())
		})

		It("should halt before every instruction and then run to completion", func() {
			code, err := dbg.Start(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(native.StopCode(0xD)))
			Expect(dbg.State()).To(Equal(processor.StateHalted))
			Expect(dbg.Position()).To(Equal(0))
			Expect(register(6)).To(BeZero())

			halts := 1
			for {
				code, halted, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
				if !halted {
					Expect(code).To(Equal(native.StopCode(0x2000)))
					break
				}
				halts++
				Expect(code).To(Equal(native.StopCode(0xD)))
				Expect(dbg.Position()).To(Equal(halts - 1))
				Expect(register(6)).To(Equal(uint32(halts - 1)))
			}

			Expect(halts).To(Equal(len(original)))
			Expect(dbg.State()).To(Equal(processor.StateFinished))
			Expect(dbg.ExitCode()).To(Equal(native.StopCode(0x2000)))
			Expect(register(6)).To(Equal(uint32(5)))
		})

		It("should restore every stepped instruction", func() {
			_, err := dbg.Start(ctx)
			Expect(err).NotTo(HaveOccurred())

			for pos := 1; pos < len(original); pos++ {
				_, halted, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(halted).To(BeTrue())

				prev := pos - 1
				inst, err := s.At(prev)
				Expect(err).NotTo(HaveOccurred())
				Expect(inst).To(Equal(original[prev]))

				live, err := dbg.Peek(prev)
				Expect(err).NotTo(HaveOccurred())
				Expect(live.Word()).To(Equal(original[prev].Word()))
			}
		})

		It("should leave the stream as it was after finishing", func() {
			_, err := dbg.Start(ctx)
			Expect(err).NotTo(HaveOccurred())
			for dbg.State() == processor.StateHalted {
				_, _, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(s.Instructions()).To(Equal(original))
		})

		It("should let registers be edited while halted", func() {
			_, err := dbg.Start(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = dbg.Next(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(dbg.SetRegister(6, native.Splat(100))).To(Succeed())
			for dbg.State() == processor.StateHalted {
				_, _, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(register(6)).To(Equal(uint32(104)))
		})

		It("should refuse to step before starting", func() {
			_, _, err := dbg.Next(ctx)
			Expect(err).To(MatchError(processor.ErrBadState))

			_, err = dbg.DumpRegisters(ctx)
			Expect(err).To(MatchError(processor.ErrBadState))
		})
	})

	Describe("register dump", func() {
		BeforeEach(func() {
			s.Append(insts.IL(r6, 5))
			s.Append(insts.STQA(r6, 0))
			s.Append(insts.IL(r6, 9))
			s.Append(insts.LQA(r7, 0))
			s.Append(insts.A(r3, r6, r7))
			Expect(dbg.Prepare(s, native.Params{})).To(Succeed())

			_, err := dbg.Start(ctx)
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 3; i++ {
				_, halted, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(halted).To(BeTrue())
			}
		})

		It("should read every register through the mailbox", func() {
			regs, err := dbg.DumpRegisters(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(regs[0]).To(BeZero())
			Expect(regs[6]).To(Equal(uint32(9)))

			rf, err := dbg.Registers()
			Expect(err).NotTo(HaveOccurred())
			for i := range regs {
				Expect(regs[i]).To(Equal(rf[i][0]), "register %d", i)
			}
		})

		It("should leave the context able to continue", func() {
			_, err := dbg.DumpRegisters(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(dbg.Position()).To(Equal(3))

			for dbg.State() == processor.StateHalted {
				_, _, err := dbg.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(register(3)).To(Equal(uint32(14)))
		})
	})

	It("should reject parallel streams", func() {
		ps := stream.NewParallel()
		ps.Append(insts.IL(r3, 1))

		err := dbg.Prepare(ps, native.Params{})
		Expect(err).To(MatchError(processor.ErrUnsupportedStreamKind))
	})

	It("should reject empty streams", func() {
		Expect(dbg.Prepare(s, native.Params{})).To(MatchError(processor.ErrEmptyStream))
	})
})
