// Package processor dispatches cached instruction streams to coprocessor
// contexts. Processor runs streams to completion or hands back their
// handles; DebugProcessor steps a single context one instruction at a time.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/sarchlab/spurt/native"
	"github.com/sarchlab/spurt/stream"
)

var (
	// ErrTooManyInstances is returned when a parallel execution asks for
	// more instances than can run at once. Nothing is submitted.
	ErrTooManyInstances = errors.New("too many instances")
	// ErrExecutionFailed wraps failures of the native executor.
	ErrExecutionFailed = errors.New("execution failed")
)

// Mode selects what Execute waits for and returns.
type Mode int

// Execution modes.
const (
	// ModeInt waits and returns the integer in the preferred slot of r3.
	ModeInt Mode = iota
	// ModeFloat waits and returns the float in the preferred slot of r3.
	ModeFloat
	// ModeVoid waits and returns nothing but the stop code.
	ModeVoid
	// ModeAsync returns the handles without waiting.
	ModeAsync
)

// ReturnRegister is the register that carries int and float results.
const ReturnRegister = 3

func (m Mode) String() string {
	switch m {
	case ModeInt:
		return "int"
	case ModeFloat:
		return "float"
	case ModeVoid:
		return "void"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name back to a Mode.
func ParseMode(name string) (Mode, error) {
	for m := ModeInt; m <= ModeAsync; m++ {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown execution mode %q", name)
}

// Result is the outcome of Execute. A parallel execution fills Instances in
// rank order and leaves the scalar fields zero.
type Result struct {
	Mode     Mode
	Int      int32
	Float    float32
	StopCode native.StopCode
	Handle   native.Handle

	Instances []Result
}

// FanOutError reports a parallel execution that failed part way. Handles
// lists the instances that were already submitted and are still running;
// the caller is responsible for joining them.
type FanOutError struct {
	Rank    int
	Handles []native.Handle
	Err     error
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("instance %d: %v (%d instances left running)", e.Rank, e.Err, len(e.Handles))
}

func (e *FanOutError) Unwrap() error {
	return e.Err
}

// Processor submits streams to a native executor.
type Processor struct {
	exec   native.Executor
	config *Config
	log    logr.Logger
}

// Option configures a Processor or DebugProcessor.
type Option func(*options)

type options struct {
	config *Config
	log    logr.Logger
}

// WithConfig sets the processor settings.
func WithConfig(c *Config) Option {
	return func(o *options) {
		o.config = c
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func buildOptions(opts []Option) options {
	o := options{config: DefaultConfig(), log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a processor on top of exec.
func New(exec native.Executor, opts ...Option) *Processor {
	o := buildOptions(opts)
	return &Processor{exec: exec, config: o.config, log: o.log}
}

// ExecOption configures one Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	mode      Mode
	params    native.Params
	instances int
}

// WithMode selects the execution mode. The default is ModeInt.
func WithMode(m Mode) ExecOption {
	return func(o *execOptions) {
		o.mode = m
	}
}

// WithParams sets the parameter block. Execute works on a copy.
func WithParams(p native.Params) ExecOption {
	return func(o *execOptions) {
		o.params = p
	}
}

// WithInstances sets the number of instances of a parallel stream. The
// default is one.
func WithInstances(n int) ExecOption {
	return func(o *execOptions) {
		o.instances = n
	}
}

// MaxInstances returns how many instances a parallel execution may use.
func (p *Processor) MaxInstances() int {
	limit := p.config.MaxInstances
	if n := p.exec.MaxContexts(); n < limit {
		limit = n
	}
	return limit
}

// Execute caches code if needed and runs it. An empty stream is a no-op
// and returns a nil result.
func (p *Processor) Execute(ctx context.Context, code stream.Code, opts ...ExecOption) (*Result, error) {
	o := execOptions{mode: ModeInt, instances: 1}
	for _, opt := range opts {
		opt(&o)
	}

	if code.Len() == 0 {
		p.log.V(1).Info("skipping empty stream")
		return nil, nil
	}

	img, err := code.Cache()
	if err != nil {
		return nil, fmt.Errorf("failed to cache stream: %w", err)
	}

	params := o.params.Clone()
	params.CodeAddress = img.Addr()
	params.CodeSize = uint32(img.Size())
	params.LoadAddress = native.LoadAddressFor(params.CodeSize)

	if ps, ok := code.Parallel(); ok {
		return p.executeParallel(ctx, ps, params, o)
	}

	h, err := p.exec.Submit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	p.log.V(1).Info("submitted stream", "handle", h, "mode", o.mode, "words", img.Len())

	if o.mode == ModeAsync {
		return &Result{Mode: o.mode, Handle: h}, nil
	}

	stop, err := p.Join(ctx, h)
	if err != nil {
		return nil, err
	}
	return p.collect(h, stop, o.mode)
}

func (p *Processor) executeParallel(
	ctx context.Context,
	ps *stream.ParallelStream,
	params native.Params,
	o execOptions,
) (*Result, error) {
	n := o.instances
	if n <= 0 || n > p.MaxInstances() {
		return nil, fmt.Errorf("%w: requested %d, at most %d", ErrTooManyInstances, n, p.MaxInstances())
	}

	_, hasRaw := ps.RawDataSize()
	handles := make([]native.Handle, 0, n)
	for rank := 0; rank < n; rank++ {
		instance := params.Clone()
		instance.P[0] = uint32(rank)
		instance.P[1] = uint32(n)
		if hasRaw {
			instance.P[3], instance.P[4] = ps.Partition(n, rank)
		}

		h, err := p.exec.Submit(ctx, instance)
		if err != nil {
			return nil, &FanOutError{
				Rank:    rank,
				Handles: handles,
				Err:     fmt.Errorf("%w: %w", ErrExecutionFailed, err),
			}
		}
		handles = append(handles, h)
	}
	p.log.V(1).Info("submitted parallel stream", "instances", n, "mode", o.mode)

	result := &Result{Mode: o.mode, Instances: make([]Result, n)}
	for rank, h := range handles {
		if o.mode == ModeAsync {
			result.Instances[rank] = Result{Mode: o.mode, Handle: h}
			continue
		}

		// A failed join leaves this instance running too.
		code, err := p.Join(ctx, h)
		if err != nil {
			return nil, &FanOutError{Rank: rank, Handles: handles[rank:], Err: err}
		}
		r, err := p.collect(h, code, o.mode)
		if err != nil {
			return nil, &FanOutError{Rank: rank, Handles: handles[rank+1:], Err: err}
		}
		result.Instances[rank] = *r
	}

	return result, nil
}

// collect reads the result register the mode asks for from a stopped
// context.
func (p *Processor) collect(h native.Handle, code native.StopCode, mode Mode) (*Result, error) {
	result := &Result{Mode: mode, StopCode: code, Handle: h}
	if mode != ModeInt && mode != ModeFloat {
		return result, nil
	}

	var rf native.RegisterFile
	if err := p.exec.ReadRegisterFile(h, &rf); err != nil {
		return nil, fmt.Errorf("%w: failed to read registers: %w", ErrExecutionFailed, err)
	}
	word := rf[ReturnRegister][0]
	if mode == ModeInt {
		result.Int = int32(word)
	} else {
		result.Float = math.Float32frombits(word)
	}
	return result, nil
}

// Join waits until the context behind h stops.
func (p *Processor) Join(ctx context.Context, h native.Handle) (native.StopCode, error) {
	code, err := p.exec.Wait(ctx, h)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if !code.IsExit() {
		p.log.Info("context halted without exiting", "warning", true, "handle", h, "code", code)
	}
	return code, nil
}
