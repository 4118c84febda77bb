package emu

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/mem"
	"github.com/sarchlab/spurt/native"
)

// Stats summarises the execution of one context.
type Stats struct {
	Instructions uint64
	Cycles       uint64
}

type runState int

const (
	stateRunning runState = iota
	stateHalted
	stateExited
)

// stopEvent is what a context reports each time it stops running.
type stopEvent struct {
	code native.StopCode
	err  error
}

// runner drives one SPU on its own goroutine. The SPU state is only touched
// by the goroutine while running and by the host while halted or exited.
type runner struct {
	handle native.Handle
	spu    *SPU

	mu    sync.Mutex
	state runState
	last  stopEvent

	stops  chan stopEvent
	resume chan struct{}
	exited chan struct{}
}

// Emulator is a native.Executor that runs every submitted context as an
// emulated SPU.
type Emulator struct {
	mu      sync.Mutex
	runners map[native.Handle]*runner

	slots    *semaphore.Weighted
	contexts int
	decoder  *insts.Decoder
	log      logr.Logger

	maxInstructions uint64
	newTimer        func(ls *LocalStore) Timer

	closeOnce sync.Once
	closed    chan struct{}
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithMaxInstructions sets the instruction budget of every context.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) EmulatorOption {
	return func(e *Emulator) {
		e.log = log
	}
}

// WithTiming attaches a fresh timing model to every submitted context.
// newTimer receives the local store the context fetches from.
func WithTiming(newTimer func(ls *LocalStore) Timer) EmulatorOption {
	return func(e *Emulator) {
		e.newTimer = newTimer
	}
}

// WithContexts sets the number of contexts that can run at once.
func WithContexts(n int) EmulatorOption {
	return func(e *Emulator) {
		e.contexts = n
	}
}

// NewEmulator creates an emulator with native.MaxInstances contexts.
func NewEmulator(opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		runners:  make(map[native.Handle]*runner),
		contexts: native.MaxInstances,
		decoder:  insts.NewDecoder(),
		log:      logr.Discard(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.contexts <= 0 {
		e.contexts = 1
	}
	e.slots = semaphore.NewWeighted(int64(e.contexts))

	return e
}

// MaxContexts returns the number of contexts that can run at once.
func (e *Emulator) MaxContexts() int {
	return e.contexts
}

// Submit loads the code into a new context and starts it. A zero
// LoadAddress places the code with native.LoadAddressFor.
func (e *Emulator) Submit(ctx context.Context, p native.Params) (native.Handle, error) {
	if err := ctx.Err(); err != nil {
		return native.Handle{}, err
	}
	if p.CodeSize == 0 || p.CodeSize%insts.WordSize != 0 {
		return native.Handle{}, fmt.Errorf("%w: code size %d", native.ErrBadTransfer, p.CodeSize)
	}
	if p.CodeSize >= native.LocalStoreSize {
		return native.Handle{}, fmt.Errorf("%w: code size %d exceeds local store", native.ErrBadTransfer, p.CodeSize)
	}

	code, err := mem.Resolve(p.CodeAddress, int(p.CodeSize))
	if err != nil {
		return native.Handle{}, fmt.Errorf("%w: %w", native.ErrBadTransfer, err)
	}

	if !e.slots.TryAcquire(1) {
		return native.Handle{}, fmt.Errorf("%w: %d contexts busy", native.ErrNoContext, e.contexts)
	}

	opts := []SPUOption{
		WithDecoder(e.decoder),
		WithSPUMaxInstructions(e.maxInstructions),
		WithShutdown(e.closed),
	}
	spu := NewSPU(opts...)
	if e.newTimer != nil {
		spu.timer = e.newTimer(spu.LocalStore())
	}

	load := p.LoadAddress
	if load == 0 {
		load = native.LoadAddressFor(p.CodeSize)
	}
	if err := spu.LoadProgram(load, code); err != nil {
		e.slots.Release(1)
		return native.Handle{}, err
	}
	p.Apply((*native.RegisterFile)(&spu.RegFile().R))

	r := &runner{
		handle: native.NewHandle(),
		spu:    spu,
		stops:  make(chan stopEvent, 1),
		resume: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}

	e.mu.Lock()
	e.runners[r.handle] = r
	e.mu.Unlock()

	e.log.V(1).Info("submitted context", "handle", r.handle, "load", fmt.Sprintf("0x%05X", load), "size", p.CodeSize)
	go e.run(r)

	return r.handle, nil
}

func (e *Emulator) run(r *runner) {
	defer e.slots.Release(1)

	for {
		result := r.spu.Run()
		ev := stopEvent{code: native.StopCode(result.Signal), err: result.Err}

		// Queue the event under the lock so a racing Resume drains it.
		// Resume always empties the queue, so the send never blocks.
		r.mu.Lock()
		r.last = ev
		if result.Exited || result.Err != nil {
			r.state = stateExited
		} else {
			r.state = stateHalted
		}
		state := r.state
		r.stops <- ev
		r.mu.Unlock()

		e.log.V(1).Info("context stopped", "handle", r.handle, "code", ev.code, "exited", state == stateExited, "error", ev.err)

		if state == stateExited {
			close(r.exited)
			return
		}

		select {
		case <-r.resume:
		case <-e.closed:
			r.mu.Lock()
			r.state = stateExited
			r.last = stopEvent{err: ErrShutdown}
			r.mu.Unlock()
			close(r.exited)
			return
		}
	}
}

func (e *Emulator) runner(h native.Handle) (*runner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runners[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", native.ErrUnknownHandle, h)
	}
	return r, nil
}

// Wait blocks until the context stops and returns its stop code. Waiting on
// an exited context returns the code it exited with.
func (e *Emulator) Wait(ctx context.Context, h native.Handle) (native.StopCode, error) {
	r, err := e.runner(h)
	if err != nil {
		return 0, err
	}

	select {
	case ev := <-r.stops:
		return ev.code, ev.err
	case <-r.exited:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.last.code, r.last.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Resume continues a halted context.
func (e *Emulator) Resume(h native.Handle) error {
	r, err := e.runner(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateExited:
		return fmt.Errorf("%w: %s", native.ErrExited, h)
	case stateRunning:
		return fmt.Errorf("%w: %s", native.ErrNotHalted, h)
	}

	// Drop a stop event nobody waited for so the next Wait sees the next
	// stop.
	select {
	case <-r.stops:
	default:
	}

	r.state = stateRunning
	r.resume <- struct{}{}
	return nil
}

// withHalted runs f on the SPU of a context that is not running.
func (e *Emulator) withHalted(h native.Handle, f func(spu *SPU) error) error {
	r, err := e.runner(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateRunning {
		return fmt.Errorf("%w: %s", native.ErrNotHalted, h)
	}
	return f(r.spu)
}

// ReadRegisterFile copies the register file of a stopped context.
func (e *Emulator) ReadRegisterFile(h native.Handle, out *native.RegisterFile) error {
	return e.withHalted(h, func(spu *SPU) error {
		spu.RegFile().Snapshot(out)
		return nil
	})
}

// WriteRegisterFile replaces the register file of a stopped context.
func (e *Emulator) WriteRegisterFile(h native.Handle, in *native.RegisterFile) error {
	return e.withHalted(h, func(spu *SPU) error {
		spu.RegFile().Restore(in)
		return nil
	})
}

// MailboxStatus returns the number of words waiting in the outbound
// mailbox. It can be called while the context runs.
func (e *Emulator) MailboxStatus(h native.Handle) (int, error) {
	r, err := e.runner(h)
	if err != nil {
		return 0, err
	}
	return r.spu.Channels().Pending(), nil
}

// MailboxRead pops one word from the outbound mailbox.
func (e *Emulator) MailboxRead(h native.Handle) (uint32, error) {
	r, err := e.runner(h)
	if err != nil {
		return 0, err
	}
	v, ok := r.spu.Channels().Read()
	if !ok {
		return 0, native.ErrMailboxEmpty
	}
	return v, nil
}

// TransferIn copies host memory into the local store of a stopped context.
func (e *Emulator) TransferIn(h native.Handle, lsa uint32, host uintptr, size uint32) error {
	src, err := mem.Resolve(host, int(size))
	if err != nil {
		return fmt.Errorf("%w: %w", native.ErrBadTransfer, err)
	}
	return e.withHalted(h, func(spu *SPU) error {
		if err := spu.LocalStore().Load(lsa, src); err != nil {
			return err
		}
		spu.invalidateCode(lsa, len(src))
		return nil
	})
}

// TransferOut copies local store bytes of a stopped context to host memory.
func (e *Emulator) TransferOut(h native.Handle, lsa uint32, host uintptr, size uint32) error {
	dst, err := mem.Resolve(host, int(size))
	if err != nil {
		return fmt.Errorf("%w: %w", native.ErrBadTransfer, err)
	}
	return e.withHalted(h, func(spu *SPU) error {
		return spu.LocalStore().Store(lsa, dst)
	})
}

// Stats returns the instruction and cycle counts of a stopped context.
func (e *Emulator) Stats(h native.Handle) (Stats, error) {
	var st Stats
	err := e.withHalted(h, func(spu *SPU) error {
		st = Stats{Instructions: spu.InstructionCount(), Cycles: spu.Cycles()}
		return nil
	})
	return st, err
}

// Reap forgets an exited context.
func (e *Emulator) Reap(h native.Handle) error {
	r, err := e.runner(h)
	if err != nil {
		return err
	}

	r.mu.Lock()
	exited := r.state == stateExited
	r.mu.Unlock()
	if !exited {
		return fmt.Errorf("%w: %s", native.ErrNotHalted, h)
	}

	e.mu.Lock()
	delete(e.runners, h)
	e.mu.Unlock()
	return nil
}

// Close stops every context that is halted or blocked on its mailbox.
func (e *Emulator) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
}
