package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/mem"
	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/stream"
)

// Stop signals of the register dump routine.
const (
	dumpSignal     = 0x6
	dumpDoneSignal = 0x7
)

var (
	// ErrUnsupportedStreamKind is returned when debugging a parallel
	// stream.
	ErrUnsupportedStreamKind = errors.New("unsupported stream kind")
	// ErrEmptyStream is returned when preparing a stream with no
	// instructions to step through.
	ErrEmptyStream = errors.New("stream has no instructions")
	// ErrBadState is returned when an operation is called in the wrong
	// debug state.
	ErrBadState = errors.New("invalid debug state")
	// ErrTimeout is returned when the mailbox stays empty for the poll
	// timeout.
	ErrTimeout = fmt.Errorf("timed out waiting for context: %w", ErrExecutionFailed)
)

// DebugState is the state of a DebugProcessor.
type DebugState int

// Debug states.
const (
	StateIdle DebugState = iota
	StatePrepared
	StateHalted
	// StateRunning means the context was resumed and its next stop has not
	// been collected yet. Wait completes the transition.
	StateRunning
	StateFinished
	// StateFailed means the context is in an unknown state. The stream has
	// been restored and can be prepared again.
	StateFailed
)

func (s DebugState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateHalted:
		return "halted"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DebugProcessor runs one stream on one context and halts it before every
// instruction.
//
// Two sentinel slots are appended to the stream. Sentinel A stops with the
// debug signal; sentinel B branches back to the instruction that runs next.
// To halt before position p the debugger patches p with a branch to A and
// archives the original instruction; to step it restores p, points B at p,
// patches p+1 and resumes. The context then executes B, the restored
// instruction p, the branch at p+1 and halts at A again.
type DebugProcessor struct {
	exec   native.Executor
	config *Config
	log    logr.Logger

	state    DebugState
	code     *stream.Stream
	image    *stream.Image
	params   native.Params
	handle   native.Handle
	length   int
	sentinel int
	pos      int
	target   int
	archive  map[int]insts.Instruction
	exitCode native.StopCode
}

// NewDebug creates a debug processor on top of exec.
func NewDebug(exec native.Executor, opts ...Option) *DebugProcessor {
	o := buildOptions(opts)
	return &DebugProcessor{
		exec:    exec,
		config:  o.config,
		log:     o.log,
		archive: make(map[int]insts.Instruction),
	}
}

// State returns the debug state.
func (d *DebugProcessor) State() DebugState {
	return d.state
}

// Position returns the body position of the instruction that runs next.
func (d *DebugProcessor) Position() int {
	return d.pos
}

// Handle returns the handle of the debugged context.
func (d *DebugProcessor) Handle() native.Handle {
	return d.handle
}

// ExitCode returns the code the context exited with once finished.
func (d *DebugProcessor) ExitCode() native.StopCode {
	return d.exitCode
}

// Len returns the number of instructions being stepped through.
func (d *DebugProcessor) Len() int {
	return d.length
}

// Prepare instruments code with the sentinel pair and caches it. params are
// passed to the context on Start.
func (d *DebugProcessor) Prepare(code stream.Code, params native.Params) error {
	if d.state != StateIdle && d.state != StateFinished && d.state != StateFailed {
		return fmt.Errorf("%w: cannot prepare while %s", ErrBadState, d.state)
	}
	if _, ok := code.Parallel(); ok {
		return fmt.Errorf("%w: parallel streams cannot be debugged", ErrUnsupportedStreamKind)
	}
	if code.Len() == 0 {
		return ErrEmptyStream
	}

	s := code.Base()
	d.code = s
	d.length = s.Len()
	d.sentinel = s.AppendBypass(insts.STOP(d.config.DebugSignal))
	s.AppendBypass(insts.STOP(d.config.DebugSignal))

	img, err := s.Cache()
	if err != nil {
		_ = s.Truncate(d.length)
		return fmt.Errorf("failed to cache stream: %w", err)
	}
	d.image = img

	d.params = params.Clone()
	d.params.CodeAddress = img.Addr()
	d.params.CodeSize = uint32(img.Size())
	d.params.LoadAddress = native.LoadAddressFor(d.params.CodeSize)

	d.archive = make(map[int]insts.Instruction)
	d.handle = native.Handle{}
	d.exitCode = 0
	d.pos = 0
	d.state = StatePrepared

	d.log.V(1).Info("prepared stream for debugging",
		"instructions", d.length,
		"sentinel", fmt.Sprintf("0x%05X", d.address(d.sentinel)))
	return nil
}

// address returns the local store address of a body position.
func (d *DebugProcessor) address(pos int) uint32 {
	return d.params.LoadAddress + uint32((d.image.BodyOffset()+pos)*insts.WordSize)
}

// branchTo returns an absolute branch to a body position.
func (d *DebugProcessor) branchTo(pos int) insts.Instruction {
	return insts.BRA(int32(d.address(pos) / insts.WordSize))
}

func (d *DebugProcessor) patch(pos int, inst insts.Instruction) error {
	old, err := d.code.Substitute(pos, inst)
	if err != nil {
		return err
	}
	if _, archived := d.archive[pos]; !archived {
		d.archive[pos] = old
	}
	return nil
}

func (d *DebugProcessor) restore(pos int) error {
	orig, ok := d.archive[pos]
	if !ok {
		return nil
	}
	if _, err := d.code.Substitute(pos, orig); err != nil {
		return err
	}
	delete(d.archive, pos)
	return nil
}

// Start submits the instrumented stream and halts it before the first
// instruction.
func (d *DebugProcessor) Start(ctx context.Context) (native.StopCode, error) {
	if d.state != StatePrepared {
		return 0, fmt.Errorf("%w: cannot start while %s", ErrBadState, d.state)
	}

	if err := d.patch(0, d.branchTo(d.sentinel)); err != nil {
		return 0, err
	}

	h, err := d.exec.Submit(ctx, d.params)
	if err != nil {
		_ = d.restore(0)
		return 0, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	d.handle = h
	d.state = StateRunning
	d.target = 0

	code, _, err := d.settle(ctx)
	return code, err
}

// Next executes the instruction at the current position. It returns the
// stop code and true while the context halts before the following
// instruction. After the last instruction the context runs to completion,
// Next returns the exit code and false, and the stream is restored.
//
// If ctx ends before the context stops, Next returns the error and leaves
// the processor running; call Wait to collect the stop.
func (d *DebugProcessor) Next(ctx context.Context) (native.StopCode, bool, error) {
	if d.state != StateHalted {
		return 0, false, fmt.Errorf("%w: cannot step while %s", ErrBadState, d.state)
	}

	if err := d.restore(d.pos); err != nil {
		return 0, false, err
	}
	if _, err := d.code.Substitute(d.sentinel+1, d.branchTo(d.pos)); err != nil {
		return 0, false, err
	}

	next := d.pos + 1
	if next == d.length {
		// Sentinel A skips over B into the terminal stop.
		if _, err := d.code.Substitute(d.sentinel, insts.BR(2)); err != nil {
			return 0, false, err
		}
	} else if err := d.patch(next, d.branchTo(d.sentinel)); err != nil {
		return 0, false, err
	}

	if err := d.resume(); err != nil {
		return 0, false, err
	}
	d.state = StateRunning
	d.target = next

	return d.settle(ctx)
}

// Wait collects the stop of a running context, completing the step that
// was interrupted. Its results are those of Next.
func (d *DebugProcessor) Wait(ctx context.Context) (native.StopCode, bool, error) {
	if d.state != StateRunning {
		return 0, false, fmt.Errorf("%w: nothing to wait for while %s", ErrBadState, d.state)
	}
	return d.settle(ctx)
}

// settle waits for the stop of a running context and moves to the target
// position. Only the end of ctx leaves the processor running.
func (d *DebugProcessor) settle(ctx context.Context) (native.StopCode, bool, error) {
	code, err := d.wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.abandon()
		}
		return 0, false, err
	}

	if d.target == d.length {
		return code, false, d.finish(code)
	}
	if code.IsExit() {
		d.log.Info("context exited while stepping", "warning", true, "position", d.pos, "code", code)
		return code, false, d.finish(code)
	}

	d.pos = d.target
	d.state = StateHalted
	d.checkStop(code)
	d.log.V(1).Info("stepped", "position", d.pos, "code", code)
	return code, true, nil
}

// finish restores the stream after the context exited.
func (d *DebugProcessor) finish(code native.StopCode) error {
	if !code.IsExit() {
		d.log.Info("context halted after the last instruction", "warning", true, "code", code)
	}

	d.exitCode = code
	d.state = StateFinished
	return d.restoreStream()
}

// abandon gives up on a context whose state is unknown and restores the
// stream.
func (d *DebugProcessor) abandon() {
	d.state = StateFailed
	if err := d.restoreStream(); err != nil {
		d.log.Error(err, "failed to restore stream")
	}
}

func (d *DebugProcessor) restoreStream() error {
	for pos := range d.archive {
		if err := d.restore(pos); err != nil {
			return err
		}
	}
	return d.code.Truncate(d.length)
}

// resume copies the patched image into the context and continues it.
func (d *DebugProcessor) resume() error {
	if err := d.exec.TransferIn(d.handle, d.params.LoadAddress, d.image.Addr(), uint32(d.image.Size())); err != nil {
		return fmt.Errorf("%w: failed to transfer code: %w", ErrExecutionFailed, err)
	}
	if err := d.exec.Resume(d.handle); err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return nil
}

// wait waits for the next stop of the context.
func (d *DebugProcessor) wait(ctx context.Context) (native.StopCode, error) {
	code, err := d.exec.Wait(ctx, d.handle)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return code, nil
}

func (d *DebugProcessor) checkStop(code native.StopCode) {
	if uint32(code) != d.config.DebugSignal {
		d.log.Info("unexpected stop code", "warning", true, "position", d.pos, "code", code,
			"expected", native.StopCode(d.config.DebugSignal))
	}
}

// Registers returns the register file of the halted context.
func (d *DebugProcessor) Registers() (native.RegisterFile, error) {
	var rf native.RegisterFile
	if d.state != StateHalted && d.state != StateFinished {
		return rf, fmt.Errorf("%w: no context while %s", ErrBadState, d.state)
	}
	if err := d.exec.ReadRegisterFile(d.handle, &rf); err != nil {
		return rf, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return rf, nil
}

// SetRegister overwrites one register of the halted context.
func (d *DebugProcessor) SetRegister(index int, value native.Quad) error {
	if index < 0 || index >= insts.NumRegisters {
		return fmt.Errorf("register %d out of range", index)
	}
	if d.state != StateHalted {
		return fmt.Errorf("%w: cannot write registers while %s", ErrBadState, d.state)
	}

	rf, err := d.Registers()
	if err != nil {
		return err
	}
	rf[index] = value
	if err := d.exec.WriteRegisterFile(d.handle, &rf); err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return nil
}

// Peek reads the instruction at a body position back from the local store
// of the halted context.
func (d *DebugProcessor) Peek(pos int) (insts.Instruction, error) {
	if d.state != StateHalted {
		return insts.Instruction{}, fmt.Errorf("%w: cannot read code while %s", ErrBadState, d.state)
	}
	if pos < 0 || pos >= d.length {
		return insts.Instruction{}, fmt.Errorf("%w: %d of %d", stream.ErrOutOfRange, pos, d.length)
	}

	addr := d.address(pos)
	line := uint32(mem.AlignDown(uintptr(addr), stream.CodeAlignment))

	buf, err := mem.New(stream.CodeAlignment, stream.CodeAlignment)
	if err != nil {
		return insts.Instruction{}, fmt.Errorf("failed to allocate read buffer: %w", err)
	}
	defer func() { _ = buf.Free() }()

	if err := d.exec.TransferOut(d.handle, line, buf.Addr(), stream.CodeAlignment); err != nil {
		return insts.Instruction{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return insts.Raw(buf.Word(int(addr-line) / insts.WordSize)), nil
}

// dumpRoutine writes the preferred slot of every register to the mailbox,
// halting after each write, then branches back to the sentinel.
func (d *DebugProcessor) dumpRoutine() []insts.Instruction {
	routine := make([]insts.Instruction, 0, 2*insts.NumRegisters+2)
	for i := 0; i < insts.NumRegisters; i++ {
		routine = append(routine,
			insts.WRCH(native.MailboxChannel, insts.GP(i)),
			insts.STOP(dumpSignal))
	}
	return append(routine, insts.STOP(dumpDoneSignal), d.branchTo(d.sentinel))
}

// DumpRegisters reads the preferred slot of every register through the
// mailbox. A routine is copied to the start of the local store and run from
// the sentinel; the overwritten local store bytes are restored afterwards
// and the context is left halted at the same position.
func (d *DebugProcessor) DumpRegisters(ctx context.Context) ([insts.NumRegisters]uint32, error) {
	var regs [insts.NumRegisters]uint32
	if d.state != StateHalted {
		return regs, fmt.Errorf("%w: cannot dump registers while %s", ErrBadState, d.state)
	}

	routine := d.dumpRoutine()
	size := int(mem.AlignUp(uintptr(len(routine)*insts.WordSize), stream.CodeAlignment))

	code, err := mem.New(size, stream.CodeAlignment)
	if err != nil {
		return regs, fmt.Errorf("failed to allocate dump routine: %w", err)
	}
	defer func() { _ = code.Free() }()
	for i, inst := range routine {
		code.SetWord(i, inst.Word())
	}

	saved, err := mem.New(size, stream.CodeAlignment)
	if err != nil {
		return regs, fmt.Errorf("failed to allocate save area: %w", err)
	}
	defer func() { _ = saved.Free() }()

	if err := d.exec.TransferOut(d.handle, 0, saved.Addr(), uint32(size)); err != nil {
		return regs, fmt.Errorf("%w: failed to save local store: %w", ErrExecutionFailed, err)
	}
	if err := d.exec.TransferIn(d.handle, 0, code.Addr(), uint32(size)); err != nil {
		return regs, fmt.Errorf("%w: failed to load dump routine: %w", ErrExecutionFailed, err)
	}

	// From here on a failure leaves the local store and the context in an
	// unknown state.
	if err := d.runDump(ctx, &regs, saved); err != nil {
		d.abandon()
		return regs, err
	}
	return regs, nil
}

// runDump runs the dump routine loaded at local store 0 and puts back the
// bytes saved from there.
func (d *DebugProcessor) runDump(ctx context.Context, regs *[insts.NumRegisters]uint32, saved *mem.AlignedBuffer) error {
	// Point B at the routine for one pass.
	previous, err := d.code.Substitute(d.sentinel+1, insts.BRA(0))
	if err != nil {
		return err
	}
	if err := d.resume(); err != nil {
		return err
	}

	for i := range regs {
		stop, err := d.wait(ctx)
		if err != nil {
			return err
		}
		if stop != dumpSignal {
			return fmt.Errorf("%w: register dump stopped with %s at register %d", ErrExecutionFailed, stop, i)
		}

		if regs[i], err = d.pollMailbox(ctx); err != nil {
			return err
		}
		if err := d.exec.Resume(d.handle); err != nil {
			return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
		}
	}

	stop, err := d.wait(ctx)
	if err != nil {
		return err
	}
	if stop != dumpDoneSignal {
		d.log.Info("unexpected stop code after register dump", "warning", true, "code", stop)
	}

	// Back to the sentinel, then put everything back.
	if err := d.exec.Resume(d.handle); err != nil {
		return fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if stop, err = d.wait(ctx); err != nil {
		return err
	}
	d.checkStop(stop)

	if _, err := d.code.Substitute(d.sentinel+1, previous); err != nil {
		return err
	}
	if err := d.exec.TransferIn(d.handle, 0, saved.Addr(), uint32(saved.Size())); err != nil {
		return fmt.Errorf("%w: failed to restore local store: %w", ErrExecutionFailed, err)
	}
	if err := d.exec.TransferIn(d.handle, d.params.LoadAddress, d.image.Addr(), uint32(d.image.Size())); err != nil {
		return fmt.Errorf("%w: failed to transfer code: %w", ErrExecutionFailed, err)
	}

	return nil
}

// pollMailbox waits for a mailbox word with exponential backoff, bounded by
// the poll timeout.
func (d *DebugProcessor) pollMailbox(ctx context.Context) (uint32, error) {
	deadline := time.Now().Add(d.config.PollTimeout())
	interval := d.config.PollInterval()

	for {
		n, err := d.exec.MailboxStatus(d.handle)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
		}
		if n > 0 {
			v, err := d.exec.MailboxRead(d.handle)
			if err != nil {
				return 0, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
			}
			return v, nil
		}

		if time.Now().Add(interval).After(deadline) {
			return 0, fmt.Errorf("%w: mailbox empty after %s", ErrTimeout, d.config.PollTimeout())
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}

		interval *= 2
		if ceiling := d.config.PollMaxInterval(); interval > ceiling {
			interval = ceiling
		}
	}
}
