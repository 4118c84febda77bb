package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	r3 := insts.GP(3)
	r4 := insts.GP(4)
	r5 := insts.GP(5)

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	DescribeTable("should recover the opcode of every format",
		func(inst insts.Instruction) {
			Expect(decoder.Decode(inst.Word())).To(Equal(inst))
		},
		Entry("RR a", insts.A(r3, r4, r5)),
		Entry("RR xor", insts.XOR(r3, r3, r3)),
		Entry("RR fm", insts.FM(r5, r4, r3)),
		Entry("RI7 rotqbyi", insts.ROTQBYI(r3, r4, 12)),
		Entry("RI10 sfi", insts.SFI(r3, r4, -7)),
		Entry("RI10 lqd", insts.LQD(r3, r4, 2)),
		Entry("RI16 ilhu", insts.ILHU(r3, 0xBEEF)),
		Entry("RI16 brz", insts.BRZ(r4, -3)),
		Entry("RI18 ila", insts.ILA(r5, 0x3FFFF)),
		Entry("channel wrch", insts.WRCH(28, r4)),
		Entry("lnop", insts.LNOP()),
		Entry("nop", insts.NOP()),
		Entry("stop", insts.STOP(0xD)),
	)

	It("should decode unknown words as even pipeline", func() {
		inst := decoder.Decode(0xFFFFFFFF)

		Expect(inst.Op()).To(Equal(insts.OpUnknown))
		Expect(inst.Pipeline()).To(Equal(insts.PipelineEven))
		Expect(inst.String()).To(Equal(".word 0xFFFFFFFF"))
	})

	It("should memoise decoded words", func() {
		decoder.Decode(insts.NOP().Word())
		decoder.Decode(insts.NOP().Word())
		decoder.Decode(insts.LNOP().Word())

		Expect(decoder.Cached()).To(Equal(2))
	})

	It("should evict beyond its capacity", func() {
		small := insts.NewDecoderWithCacheSize(2)
		small.Decode(1)
		small.Decode(2)
		small.Decode(3)

		Expect(small.Cached()).To(Equal(2))
	})

	It("should agree with Raw", func() {
		word := insts.AI(r3, r4, 9).Word()
		Expect(insts.Raw(word)).To(Equal(decoder.Decode(word)))
	})
})
