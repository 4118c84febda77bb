package mem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/mem"
)

var _ = Describe("AlignedBuffer", func() {
	It("should honour the requested alignment", func() {
		for _, align := range []int{16, 128, 4096, 65536} {
			b, err := mem.New(100, align)
			Expect(err).NotTo(HaveOccurred())

			Expect(b.Size()).To(Equal(100))
			Expect(b.Alignment()).To(Equal(align))
			Expect(mem.IsAligned(b.Addr(), uintptr(align))).To(BeTrue())
			Expect(b.Free()).To(Succeed())
		}
	})

	It("should reject alignments that are not powers of two", func() {
		_, err := mem.New(64, 24)
		Expect(err).To(MatchError(mem.ErrBadAlignment))
	})

	It("should reject empty buffers", func() {
		_, err := mem.New(0, 16)
		Expect(err).To(MatchError(mem.ErrBadSize))
	})

	It("should store words big-endian", func() {
		b, err := mem.New(16, 16)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = b.Free() }()

		b.SetWord(1, 0x01020304)

		Expect(b.Word(1)).To(Equal(uint32(0x01020304)))
		Expect(b.Bytes()[4:8]).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should copy in and out", func() {
		b, err := mem.New(8, 16)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = b.Free() }()

		Expect(b.CopyFrom([]byte{9, 8, 7})).To(Equal(3))
		out := make([]byte, 3)
		Expect(b.CopyTo(out)).To(Equal(3))
		Expect(out).To(Equal([]byte{9, 8, 7}))
	})

	Describe("host address space", func() {
		It("should resolve ranges inside a live buffer", func() {
			b, err := mem.New(64, 16)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = b.Free() }()
			b.SetWord(2, 0xCAFEBABE)

			data, err := mem.Resolve(b.Addr()+8, 4)

			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte{0xCA, 0xFE, 0xBA, 0xBE}))
		})

		It("should reject ranges that run past the buffer", func() {
			b, err := mem.New(64, 16)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = b.Free() }()

			_, err = mem.Resolve(b.Addr()+60, 8)
			Expect(err).To(MatchError(mem.ErrUnknownAddress))
		})

		It("should forget freed buffers", func() {
			b, err := mem.New(64, 16)
			Expect(err).NotTo(HaveOccurred())
			addr := b.Addr()

			Expect(b.Free()).To(Succeed())

			_, err = mem.Resolve(addr, 4)
			Expect(err).To(MatchError(mem.ErrUnknownAddress))
			Expect(b.Free()).To(MatchError(mem.ErrFreed))
		})

		It("should count live buffers until they are freed", func() {
			before := mem.Live()

			b1, err := mem.New(64, 16)
			Expect(err).NotTo(HaveOccurred())
			b2, err := mem.New(64, 128)
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Live()).To(Equal(before + 2))

			Expect(b1.Free()).To(Succeed())
			Expect(mem.Live()).To(Equal(before + 1))
			Expect(b2.Free()).To(Succeed())
			Expect(mem.Live()).To(Equal(before))
		})
	})

	It("should round addresses", func() {
		Expect(mem.AlignUp(17, 16)).To(Equal(uintptr(32)))
		Expect(mem.AlignDown(17, 16)).To(Equal(uintptr(16)))
		Expect(mem.AlignUp(32, 16)).To(Equal(uintptr(32)))
	})
})
