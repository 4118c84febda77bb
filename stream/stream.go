// Package stream builds SPU instruction streams: an ordered instruction
// body with its register allocator, an optional even/odd pipeline
// scheduling pass, and the prologue and epilogue synthesised when the
// stream is cached into one executable buffer.
package stream

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/spurt/insts"
	"github.com/sarchlab/spurt/mem"
)

// CodeAlignment is the minimum byte alignment of a cached code buffer.
const CodeAlignment = 16

// FirstScratch is the first register Acquire hands out. r0 is the zero
// register, r1 and r2 are reserved by the ABI and r3-r5 carry parameters.
const FirstScratch = 6

var (
	// ErrUndefinedLabel is returned by Cache when a branch targets a label
	// that was never marked.
	ErrUndefinedLabel = errors.New("undefined label")
	// ErrDuplicateLabel is returned by Cache when a label was marked twice.
	ErrDuplicateLabel = errors.New("label marked twice")
	// ErrMisaligned is returned when a code buffer does not satisfy
	// CodeAlignment.
	ErrMisaligned = errors.New("code buffer is misaligned")
	// ErrBadBoundary is returned by Align for boundaries that are not a
	// positive multiple of the instruction width.
	ErrBadBoundary = errors.New("alignment boundary must be a positive multiple of the word size")
	// ErrOutOfRange is returned for body positions outside the stream.
	ErrOutOfRange = errors.New("position out of range")
)

// Code is what a processor needs from a stream.
type Code interface {
	// Len returns the number of physical instructions in the body.
	Len() int
	// Cache renders the stream into an executable image.
	Cache() (*Image, error)
	// Base returns the underlying single-context stream.
	Base() *Stream
	// Parallel returns the parallel view of the stream, if it has one.
	Parallel() (*ParallelStream, bool)
}

// Option configures a Stream.
type Option func(*Stream)

// WithScheduling turns the dual-pipeline padding pass on or off.
func WithScheduling(enabled bool) Option {
	return func(s *Stream) {
		s.scheduling = enabled
	}
}

// WithLogger sets the logger used for cache diagnostics.
func WithLogger(log logr.Logger) Option {
	return func(s *Stream) {
		s.log = log
	}
}

// Stream is an ordered, mutable sequence of SPU instructions that owns its
// register allocator.
type Stream struct {
	alloc      *Allocator
	body       []insts.Instruction
	labels     map[*insts.Label][]int
	scheduling bool
	log        logr.Logger

	// prologueHook lets specialised streams add setup code after the base
	// prologue.
	prologueHook func(prologue *Stream) error

	image *Image
}

// New creates an empty stream. Register 0 is reserved as the zero register.
func New(opts ...Option) *Stream {
	s := &Stream{
		alloc:  NewAllocator(insts.NumRegisters, FirstScratch),
		labels: make(map[*insts.Label][]int),
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.alloc.AcquireIndex(insts.Zero.Index); err != nil {
		panic(err)
	}

	return s
}

// Scheduling reports whether the dual-pipeline pass is enabled.
func (s *Stream) Scheduling() bool {
	return s.scheduling
}

// AcquireRegister returns a free scratch register.
func (s *Stream) AcquireRegister() (insts.Register, error) {
	return s.alloc.Acquire()
}

// AcquireRegisterAt reserves the register with an explicit index.
func (s *Stream) AcquireRegisterAt(index int) (insts.Register, error) {
	return s.alloc.AcquireIndex(index)
}

// ReleaseRegister returns a register to the free pool.
func (s *Stream) ReleaseRegister(r insts.Register) error {
	return s.alloc.Release(r)
}

// Allocator exposes the register allocator of the stream.
func (s *Stream) Allocator() *Allocator {
	return s.alloc
}

// Append adds inst at the tail, padding first if the scheduler requires it.
// It returns the body position of inst.
func (s *Stream) Append(inst insts.Instruction) int {
	return s.append(inst, s.scheduling)
}

// AppendBypass adds inst at the tail without consulting the scheduler.
func (s *Stream) AppendBypass(inst insts.Instruction) int {
	return s.append(inst, false)
}

// AppendAll appends every instruction in order and returns the position of
// the last one.
func (s *Stream) AppendAll(list ...insts.Instruction) int {
	pos := len(s.body)
	for _, inst := range list {
		pos = s.Append(inst)
	}
	return pos
}

func (s *Stream) append(inst insts.Instruction, schedule bool) int {
	s.invalidate()

	if inst.IsLabel() {
		l := inst.Label()
		s.labels[l] = append(s.labels[l], len(s.body))
		return len(s.body)
	}

	if schedule {
		want := insts.Pipeline(len(s.body) % 2)
		if inst.Pipeline() != want {
			s.body = append(s.body, insts.Pad(want))
		}
	}

	s.body = append(s.body, inst)
	return len(s.body) - 1
}

// Align pads the body with no-ops until its byte length is a multiple of
// boundary. Padding always matches the pipeline of its slot.
func (s *Stream) Align(boundary int) error {
	if boundary <= 0 || boundary%insts.WordSize != 0 {
		return fmt.Errorf("%w: %d", ErrBadBoundary, boundary)
	}

	words := boundary / insts.WordSize
	for len(s.body)%words != 0 {
		s.AppendBypass(insts.Pad(insts.Pipeline(len(s.body) % 2)))
	}
	return nil
}

// Truncate drops every body instruction from position n on, together with
// the labels that marked them.
func (s *Stream) Truncate(n int) error {
	if n < 0 || n > len(s.body) {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, n, len(s.body))
	}

	s.invalidate()
	s.body = s.body[:n]
	for l, marks := range s.labels {
		kept := marks[:0]
		for _, pos := range marks {
			if pos <= n {
				kept = append(kept, pos)
			}
		}
		if len(kept) == 0 {
			delete(s.labels, l)
		} else {
			s.labels[l] = kept
		}
	}
	return nil
}

// Len returns the number of physical instructions in the body.
func (s *Stream) Len() int {
	return len(s.body)
}

// At returns the body instruction at pos.
func (s *Stream) At(pos int) (insts.Instruction, error) {
	if pos < 0 || pos >= len(s.body) {
		return insts.Instruction{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, len(s.body))
	}
	return s.body[pos], nil
}

// Instructions returns a copy of the body.
func (s *Stream) Instructions() []insts.Instruction {
	out := make([]insts.Instruction, len(s.body))
	copy(out, s.body)
	return out
}

// LabelPosition returns the body position a label marks.
func (s *Stream) LabelPosition(l *insts.Label) (int, bool) {
	marks, ok := s.labels[l]
	if !ok {
		return 0, false
	}
	return marks[0], true
}

// Cached reports whether the current body has been rendered.
func (s *Stream) Cached() bool {
	return s.image != nil
}

// Image returns the cached image, or nil if the stream is not cached.
func (s *Stream) Image() *Image {
	return s.image
}

// Base returns s.
func (s *Stream) Base() *Stream {
	return s
}

// Parallel returns false: a plain stream runs on one context.
func (s *Stream) Parallel() (*ParallelStream, bool) {
	return nil, false
}

// Cache renders prologue and body into an executable image. Calling Cache
// again without mutating the stream returns the same image.
func (s *Stream) Cache() (*Image, error) {
	if s.image != nil {
		return s.image, nil
	}
	for l, marks := range s.labels {
		if len(marks) > 1 {
			return nil, fmt.Errorf("%w: %s at %v", ErrDuplicateLabel, l.Name(), marks)
		}
	}

	prologue, err := s.synthesizePrologue()
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize prologue: %w", err)
	}

	body, err := s.resolveBody()
	if err != nil {
		return nil, err
	}
	body = s.withEpilogue(body)

	words := make([]uint32, 0, prologue.Len()+len(body))
	for _, inst := range prologue.body {
		words = append(words, inst.Word())
	}
	for _, inst := range body {
		words = append(words, inst.Word())
	}

	image, err := newImage(words, prologue.Len())
	if err != nil {
		return nil, err
	}
	s.image = image

	s.log.V(1).Info("cached stream",
		"prologue", prologue.Len(),
		"body", len(s.body),
		"words", len(words),
		"addr", fmt.Sprintf("0x%X", image.Addr()))

	return image, nil
}

// synthesizePrologue builds the setup code that runs before the body. The
// result always has an even length so the body starts on an even slot.
func (s *Stream) synthesizePrologue() (*Stream, error) {
	p := &Stream{
		alloc:      s.alloc,
		labels:     make(map[*insts.Label][]int),
		scheduling: s.scheduling,
		log:        s.log,
	}

	p.Append(insts.IL(insts.Zero, 0))
	if s.prologueHook != nil {
		if err := s.prologueHook(p); err != nil {
			return nil, err
		}
	}
	if p.Len()%2 != 0 {
		p.AppendBypass(insts.LNOP())
	}
	return p, nil
}

// resolveBody returns the body with every label branch patched.
func (s *Stream) resolveBody() ([]insts.Instruction, error) {
	body := make([]insts.Instruction, len(s.body), len(s.body)+2)
	for pos, inst := range s.body {
		resolved, err := s.resolve(pos, inst)
		if err != nil {
			return nil, err
		}
		body[pos] = resolved
	}
	return body, nil
}

func (s *Stream) resolve(pos int, inst insts.Instruction) (insts.Instruction, error) {
	if !inst.Patchable() {
		return inst, nil
	}
	marks, ok := s.labels[inst.Label()]
	if !ok {
		return insts.Instruction{}, fmt.Errorf("%w: %s at %d", ErrUndefinedLabel, inst.Label().Name(), pos)
	}
	return inst.Resolve(pos, marks[0]), nil
}

// withEpilogue appends the terminal stop unless the body already ends in
// one that terminates the context.
func (s *Stream) withEpilogue(body []insts.Instruction) []insts.Instruction {
	if n := len(body); n > 0 && body[n-1].IsExit() {
		return body
	}

	stop := insts.STOP(insts.SignalExit)
	if s.scheduling && stop.Pipeline() != insts.Pipeline(len(body)%2) {
		body = append(body, insts.Pad(insts.Pipeline(len(body)%2)))
	}
	return append(body, stop)
}

// Substitute replaces the body instruction at pos and returns the one it
// replaced. A cached image is patched in place instead of being rebuilt.
func (s *Stream) Substitute(pos int, inst insts.Instruction) (insts.Instruction, error) {
	if pos < 0 || pos >= len(s.body) {
		return insts.Instruction{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, pos, len(s.body))
	}
	if inst.IsLabel() {
		return insts.Instruction{}, fmt.Errorf("cannot substitute a label at %d", pos)
	}

	resolved, err := s.resolve(pos, inst)
	if err != nil {
		return insts.Instruction{}, err
	}

	old := s.body[pos]
	s.body[pos] = inst
	if s.image != nil {
		s.image.buf.SetWord(s.image.bodyOffset+pos, resolved.Word())
	}
	return old, nil
}

// Listing returns the disassembly of the cached image, one line per word.
func (s *Stream) Listing() ([]string, error) {
	image, err := s.Cache()
	if err != nil {
		return nil, err
	}

	decoder := insts.NewDecoder()
	lines := make([]string, 0, image.Len())
	for i, w := range image.Words() {
		marker := " "
		if i == image.BodyOffset() {
			marker = ">"
		}
		lines = append(lines, fmt.Sprintf("%s%04x: %08x  %s", marker, i*insts.WordSize, w, decoder.Decode(w)))
	}
	return lines, nil
}

// Release frees the cached image. The stream stays usable and is rendered
// again by the next Cache.
func (s *Stream) Release() error {
	if s.image == nil {
		return nil
	}
	err := s.image.buf.Free()
	s.image = nil
	return err
}

func (s *Stream) invalidate() {
	if s.image == nil {
		return
	}
	if err := s.Release(); err != nil {
		s.log.Error(err, "failed to free stale image")
	}
}

// Image is a rendered stream: prologue followed by body and epilogue in
// one aligned buffer.
type Image struct {
	buf        *mem.AlignedBuffer
	words      int
	bodyOffset int
}

func newImage(words []uint32, bodyOffset int) (*Image, error) {
	size := int(mem.AlignUp(uintptr(len(words)*insts.WordSize), CodeAlignment))
	buf, err := mem.New(size, CodeAlignment)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate code buffer: %w", err)
	}
	if !mem.IsAligned(buf.Addr(), CodeAlignment) {
		_ = buf.Free()
		return nil, fmt.Errorf("%w: 0x%X", ErrMisaligned, buf.Addr())
	}

	for i, w := range words {
		buf.SetWord(i, w)
	}

	return &Image{buf: buf, words: len(words), bodyOffset: bodyOffset}, nil
}

// Buffer returns the backing buffer.
func (img *Image) Buffer() *mem.AlignedBuffer {
	return img.buf
}

// Addr returns the host address of the first instruction.
func (img *Image) Addr() uintptr {
	return img.buf.Addr()
}

// Size returns the size in bytes of the code buffer, padded to
// CodeAlignment.
func (img *Image) Size() int {
	return img.buf.Size()
}

// Len returns the number of instruction words.
func (img *Image) Len() int {
	return img.words
}

// BodyOffset returns the word index where the body starts.
func (img *Image) BodyOffset() int {
	return img.bodyOffset
}

// Word returns the i-th instruction word.
func (img *Image) Word(i int) uint32 {
	return img.buf.Word(i)
}

// Words returns a copy of the instruction words.
func (img *Image) Words() []uint32 {
	out := make([]uint32, img.words)
	for i := range out {
		out[i] = img.buf.Word(i)
	}
	return out
}
