package stream_test

import (
	"math/rand"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/stream"
)

// pipelines decodes an image and returns the pipeline of every word.
func pipelines(img *stream.Image) []insts.Pipeline {
	decoder := insts.NewDecoder()
	out := make([]insts.Pipeline, img.Len())
	for i, w := range img.Words() {
		out[i] = decoder.Decode(w).Pipeline()
	}
	return out
}

var _ = Describe("Stream", func() {
	var (
		s      *stream.Stream
		r6, r7 insts.Register
	)

	BeforeEach(func() {
		s = stream.New()
		var err error
		r6, err = s.AcquireRegister()
		Expect(err).NotTo(HaveOccurred())
		r7, err = s.AcquireRegister()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(s.Release()).To(Succeed())
	})

	It("should reserve the zero register", func() {
		_, err := s.AcquireRegisterAt(0)
		Expect(err).To(MatchError(stream.ErrRegisterConflict))
	})

	It("should append in order and report positions", func() {
		Expect(s.Append(insts.IL(r6, 1))).To(Equal(0))
		Expect(s.Append(insts.AI(r6, r6, 2))).To(Equal(1))
		Expect(s.Len()).To(Equal(2))

		inst, err := s.At(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst).To(Equal(insts.AI(r6, r6, 2)))

		_, err = s.At(2)
		Expect(err).To(MatchError(stream.ErrOutOfRange))
	})

	Describe("caching", func() {
		It("should render prologue, body and terminal stop", func() {
			s.Append(insts.IL(r6, 5))
			s.Append(insts.A(insts.GP(3), r6, r6))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())

			Expect(img.BodyOffset()).To(Equal(2))
			Expect(img.Words()).To(Equal([]uint32{
				insts.IL(insts.Zero, 0).Word(),
				insts.LNOP().Word(),
				insts.IL(r6, 5).Word(),
				insts.A(insts.GP(3), r6, r6).Word(),
				insts.STOP(insts.SignalExit).Word(),
			}))
			Expect(img.Size()).To(Equal(32))
			Expect(img.Addr() % stream.CodeAlignment).To(BeZero())
		})

		It("should not add a terminal stop after an exit stop", func() {
			s.Append(insts.STOP(0x2001))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Len()).To(Equal(3))
		})

		It("should add a terminal stop after a resumable stop", func() {
			s.Append(insts.STOP(0xD))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Len()).To(Equal(4))
			Expect(img.Word(3)).To(Equal(uint32(insts.SignalExit)))
		})

		It("should be idempotent", func() {
			s.Append(insts.IL(r6, 5))

			first, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			words := first.Words()

			second, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeIdenticalTo(first))
			Expect(cmp.Diff(words, second.Words())).To(BeEmpty())
		})

		It("should invalidate on append and rebuild from scratch", func() {
			s.Append(insts.IL(r6, 5))
			first, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Cached()).To(BeTrue())

			s.Append(insts.IL(r7, 6))
			Expect(s.Cached()).To(BeFalse())
			Expect(first.Addr()).To(BeZero())

			second, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Len()).To(Equal(5))
		})

		It("should cache an empty body to the bare stop", func() {
			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Len()).To(Equal(3))
		})
	})

	Describe("scheduling", func() {
		BeforeEach(func() {
			s = stream.New(stream.WithScheduling(true))
			r6, _ = s.AcquireRegister()
			r7, _ = s.AcquireRegister()
		})

		It("should not pad alternating pipelines", func() {
			for i := 0; i < 3; i++ {
				s.Append(insts.AI(r6, r6, 1))
				s.Append(insts.LQD(r7, insts.GP(1), int32(i)))
			}
			Expect(s.Len()).To(Equal(6))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Len()).To(Equal(img.BodyOffset() + 6 + 1))
		})

		It("should pad pipeline 0 runs with lnop", func() {
			for i := 0; i < 3; i++ {
				s.Append(insts.AI(r6, r6, 1))
			}

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())

			body := img.Words()[img.BodyOffset():]
			Expect(body).To(HaveLen(7))
			Expect(body[6]).To(Equal(uint32(insts.SignalExit)))

			pads := 0
			for _, w := range body[:6] {
				if w == insts.LNOP().Word() {
					pads++
				}
			}
			Expect(pads).To(Equal(3))
		})

		It("should pad an odd instruction at an even slot with nop", func() {
			pos := s.Append(insts.LQD(r7, insts.GP(1), 0))

			Expect(pos).To(Equal(1))
			inst, _ := s.At(0)
			Expect(inst).To(Equal(insts.NOP()))
		})

		It("should keep every instruction on its pipeline and preserve order", func() {
			rng := rand.New(rand.NewSource(42))
			var appended []insts.Instruction
			for i := 0; i < 200; i++ {
				var inst insts.Instruction
				if rng.Intn(2) == 0 {
					inst = insts.AI(r6, r6, int32(i%100))
				} else {
					inst = insts.ROTQBYI(r7, r7, int32(i%16))
				}
				appended = append(appended, inst)
				s.Append(inst)
			}

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			for i, p := range pipelines(img) {
				Expect(int(p)).To(Equal(i%2), "word %d", i)
			}

			var kept []insts.Instruction
			for _, inst := range s.Instructions() {
				if inst.Op() != insts.OpNOP && inst.Op() != insts.OpLNOP {
					kept = append(kept, inst)
				}
			}
			Expect(kept).To(Equal(appended))
		})

		It("should not let labels take a slot", func() {
			s.Append(insts.AI(r6, r6, 1))
			loop := insts.NewLabel("loop")
			Expect(s.Append(insts.Mark(loop))).To(Equal(1))
			Expect(s.Len()).To(Equal(1))
		})

		It("should bypass the scheduler on request", func() {
			s.AppendBypass(insts.LQD(r7, insts.GP(1), 0))
			Expect(s.Len()).To(Equal(1))
		})
	})

	Describe("labels", func() {
		It("should resolve backward branches", func() {
			top := insts.NewLabel("top")
			s.Append(insts.IL(r6, 4))
			s.Append(insts.Mark(top))
			s.Append(insts.AI(r6, r6, -1))
			pos := s.Append(insts.BranchNotZeroTo(r6, top))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())

			branch := insts.Raw(img.Word(img.BodyOffset() + pos))
			Expect(branch.Op()).To(Equal(insts.OpBRNZ))
			Expect(branch.Imm()).To(Equal(int32(-1)))
			Expect(int(branch.RT())).To(Equal(r6.Index))
		})

		It("should resolve forward branches", func() {
			done := insts.NewLabel("done")
			pos := s.Append(insts.BranchTo(done))
			s.Append(insts.NOP())
			s.Append(insts.Mark(done))

			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())
			Expect(insts.Raw(img.Word(img.BodyOffset() + pos)).Imm()).To(Equal(int32(2)))
		})

		It("should fail on undefined labels", func() {
			s.Append(insts.BranchTo(insts.NewLabel("nowhere")))

			_, err := s.Cache()
			Expect(err).To(MatchError(stream.ErrUndefinedLabel))
		})

		It("should fail on labels marked twice", func() {
			l := insts.NewLabel("twice")
			s.Append(insts.Mark(l))
			s.Append(insts.NOP())
			s.Append(insts.Mark(l))

			_, err := s.Cache()
			Expect(err).To(MatchError(stream.ErrDuplicateLabel))
		})

		It("should recover once the second mark is truncated away", func() {
			l := insts.NewLabel("again")
			s.Append(insts.Mark(l))
			s.Append(insts.AI(r6, r6, 1))
			s.Append(insts.BranchNotZeroTo(r6, l))
			s.Append(insts.NOP())
			s.Append(insts.Mark(l))
			s.Append(insts.NOP())

			_, err := s.Cache()
			Expect(err).To(MatchError(stream.ErrDuplicateLabel))

			Expect(s.Truncate(2)).To(Succeed())
			pos, ok := s.LabelPosition(l)
			Expect(ok).To(BeTrue())
			Expect(pos).To(Equal(0))

			_, err = s.Cache()
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("alignment", func() {
		It("should pad to the boundary with matching pipelines", func() {
			s.Append(insts.AI(r6, r6, 1))
			Expect(s.Align(16)).To(Succeed())

			Expect(s.Instructions()).To(Equal([]insts.Instruction{
				insts.AI(r6, r6, 1),
				insts.LNOP(),
				insts.NOP(),
				insts.LNOP(),
			}))
		})

		It("should not pad an aligned body", func() {
			s.Append(insts.AI(r6, r6, 1))
			s.Append(insts.LNOP())
			Expect(s.Align(8)).To(Succeed())
			Expect(s.Len()).To(Equal(2))
		})

		It("should reject boundaries that are not word multiples", func() {
			Expect(s.Align(6)).To(MatchError(stream.ErrBadBoundary))
			Expect(s.Align(0)).To(MatchError(stream.ErrBadBoundary))
		})
	})

	Describe("substitution", func() {
		It("should patch the cached image without rebuilding it", func() {
			s.Append(insts.IL(r6, 1))
			s.Append(insts.IL(r7, 2))
			img, err := s.Cache()
			Expect(err).NotTo(HaveOccurred())

			old, err := s.Substitute(1, insts.STOP(0xD))
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(Equal(insts.IL(r7, 2)))
			Expect(s.Image()).To(BeIdenticalTo(img))
			Expect(img.Word(img.BodyOffset() + 1)).To(Equal(uint32(0xD)))

			_, err = s.Substitute(1, old)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Word(img.BodyOffset() + 1)).To(Equal(insts.IL(r7, 2).Word()))
		})

		It("should reject positions outside the body", func() {
			_, err := s.Substitute(0, insts.NOP())
			Expect(err).To(MatchError(stream.ErrOutOfRange))
		})
	})

	It("should produce a listing that marks the body", func() {
		s.Append(insts.IL(r6, 7))

		lines, err := s.Listing()
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(4))
		Expect(lines[0]).To(ContainSubstring("il $r0"))
		Expect(lines[2]).To(HavePrefix(">"))
		Expect(lines[3]).To(ContainSubstring("stop 0x2000"))
	})
})

var _ = Describe("Stream truncation", func() {
	It("should drop the tail and its labels", func() {
		s := stream.New()
		r6, _ := s.AcquireRegister()
		tail := insts.NewLabel("tail")
		s.Append(insts.IL(r6, 1))
		s.Append(insts.IL(r6, 2))
		s.Append(insts.NOP())
		s.Append(insts.Mark(tail))
		s.Append(insts.NOP())

		Expect(s.Truncate(1)).To(Succeed())
		Expect(s.Instructions()).To(Equal([]insts.Instruction{insts.IL(r6, 1)}))
		_, ok := s.LabelPosition(tail)
		Expect(ok).To(BeFalse())

		Expect(s.Truncate(5)).To(MatchError(stream.ErrOutOfRange))
	})
})
