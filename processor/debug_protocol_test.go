package processor_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/processor"
	"github.com/sarchlab/spurt/stream"
)

// scriptedExecutor replays a list of stop codes. Once the list is empty,
// Wait fails with lost if set and otherwise blocks until ctx ends. The
// mailbox is always empty.
type scriptedExecutor struct {
	stops   []native.StopCode
	lost    error
	resumes int
}

func (x *scriptedExecutor) Submit(context.Context, native.Params) (native.Handle, error) {
	return native.NewHandle(), nil
}

func (x *scriptedExecutor) Wait(ctx context.Context, _ native.Handle) (native.StopCode, error) {
	if len(x.stops) > 0 {
		code := x.stops[0]
		x.stops = x.stops[1:]
		return code, nil
	}
	if x.lost != nil {
		return 0, x.lost
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func (x *scriptedExecutor) Resume(native.Handle) error {
	x.resumes++
	return nil
}

func (x *scriptedExecutor) ReadRegisterFile(native.Handle, *native.RegisterFile) error {
	return nil
}

func (x *scriptedExecutor) WriteRegisterFile(native.Handle, *native.RegisterFile) error {
	return nil
}

func (x *scriptedExecutor) MailboxStatus(native.Handle) (int, error) {
	return 0, nil
}

func (x *scriptedExecutor) MailboxRead(native.Handle) (uint32, error) {
	return 0, native.ErrMailboxEmpty
}

func (x *scriptedExecutor) TransferIn(native.Handle, uint32, uintptr, uint32) error {
	return nil
}

func (x *scriptedExecutor) TransferOut(native.Handle, uint32, uintptr, uint32) error {
	return nil
}

func (x *scriptedExecutor) MaxContexts() int {
	return 1
}

var _ = Describe("DebugProcessor protocol", func() {
	var (
		exec     *scriptedExecutor
		dbg      *processor.DebugProcessor
		ctx      context.Context
		s        *stream.Stream
		original []insts.Instruction
	)

	BeforeEach(func() {
		config := processor.DefaultConfig()
		config.PollTimeoutMs = 20
		config.PollIntervalUs = 100
		config.PollMaxIntervalUs = 1000

		exec = &scriptedExecutor{}
		dbg = processor.NewDebug(exec,
			processor.WithConfig(config),
			processor.WithLogger(GinkgoLogr))
		ctx = context.Background()

		s = stream.New()
		s.Append(insts.IL(insts.GP(6), 1))
		s.Append(insts.AI(insts.GP(6), insts.GP(6), 1))
		original = s.Instructions()
		Expect(dbg.Prepare(s, native.Params{})).To(Succeed())
	})

	AfterEach(func() {
		Expect(s.Release()).To(Succeed())
	})

	It("should treat an unexpected stop code as a warning", func() {
		exec.stops = []native.StopCode{0x42}

		code, err := dbg.Start(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(native.StopCode(0x42)))
		Expect(dbg.State()).To(Equal(processor.StateHalted))
		Expect(dbg.Position()).To(Equal(0))
	})

	It("should time out when the mailbox stays empty", func() {
		exec.stops = []native.StopCode{0xD, 0x6}
		_, err := dbg.Start(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = dbg.DumpRegisters(ctx)
		Expect(errors.Is(err, processor.ErrTimeout)).To(BeTrue())
		Expect(errors.Is(err, processor.ErrExecutionFailed)).To(BeTrue())

		Expect(dbg.State()).To(Equal(processor.StateFailed))
		Expect(s.Instructions()).To(Equal(original))
		Expect(dbg.Prepare(s, native.Params{})).To(Succeed())
	})

	It("should keep an interrupted step pending until Wait", func() {
		exec.stops = []native.StopCode{0xD}
		_, err := dbg.Start(ctx)
		Expect(err).NotTo(HaveOccurred())

		stepCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, _, err = dbg.Next(stepCtx)
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(errors.Is(err, processor.ErrExecutionFailed)).To(BeTrue())
		Expect(dbg.State()).To(Equal(processor.StateRunning))
		Expect(dbg.Position()).To(Equal(0))

		_, _, err = dbg.Next(ctx)
		Expect(err).To(MatchError(processor.ErrBadState))
		Expect(exec.resumes).To(Equal(1))

		exec.stops = []native.StopCode{0xD}
		code, halted, err := dbg.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(halted).To(BeTrue())
		Expect(code).To(Equal(native.StopCode(0xD)))
		Expect(dbg.Position()).To(Equal(1))

		exec.stops = []native.StopCode{0x2000}
		code, halted, err = dbg.Next(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(halted).To(BeFalse())
		Expect(code.IsExit()).To(BeTrue())
		Expect(exec.resumes).To(Equal(2))
		Expect(s.Instructions()).To(Equal(original))
	})

	It("should refuse to wait while halted", func() {
		exec.stops = []native.StopCode{0xD}
		_, err := dbg.Start(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = dbg.Wait(ctx)
		Expect(err).To(MatchError(processor.ErrBadState))
	})

	It("should give up on a context that fails while stepping", func() {
		exec.stops = []native.StopCode{0xD}
		exec.lost = errors.New("context lost")
		_, err := dbg.Start(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = dbg.Next(ctx)
		Expect(err).To(MatchError(processor.ErrExecutionFailed))
		Expect(dbg.State()).To(Equal(processor.StateFailed))
		Expect(s.Instructions()).To(Equal(original))

		_, _, err = dbg.Wait(ctx)
		Expect(err).To(MatchError(processor.ErrBadState))
	})
})
