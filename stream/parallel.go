package stream

import (
	"errors"
	"fmt"

	"github.com/sarchlab/spurt/insts"
)

// ErrBlockRegistersUnset is returned when block or offset registers are
// requested from a stream without a declared raw data size.
var ErrBlockRegistersUnset = errors.New("block and offset registers require a raw data size")

// Byte shifts that move a parameter slot into the preferred slot.
const (
	shiftSlot1 = 4
	shiftSlot2 = 8
)

// ParallelStream is a stream meant to run as several cooperating instances.
// Its prologue moves the instance rank and world size into registers and,
// when a raw data size is declared, the block size and offset of the
// instance's share of the data.
//
// Rank and size arrive in p1 and p2 (r3 slots 1 and 2), block size and
// offset in p4 and p5 (r4 slots 1 and 2).
type ParallelStream struct {
	*Stream

	rank, size    insts.Register
	block, offset *insts.Register
	rawSize       uint32
	hasRawSize    bool
	released      bool
}

// NewParallel creates a parallel stream and reserves its rank and size
// registers.
func NewParallel(opts ...Option) *ParallelStream {
	ps := &ParallelStream{Stream: New(opts...)}

	var err error
	if ps.rank, err = ps.AcquireRegister(); err != nil {
		panic(err)
	}
	if ps.size, err = ps.AcquireRegister(); err != nil {
		panic(err)
	}
	ps.prologueHook = ps.emitPrologue

	return ps
}

// Parallel returns ps.
func (ps *ParallelStream) Parallel() (*ParallelStream, bool) {
	return ps, true
}

// SetRawDataSize declares the total number of bytes the instances share.
// The first call reserves the block size and offset registers.
func (ps *ParallelStream) SetRawDataSize(bytes uint32) error {
	if ps.block == nil {
		block, err := ps.AcquireRegister()
		if err != nil {
			return fmt.Errorf("failed to reserve block register: %w", err)
		}
		offset, err := ps.AcquireRegister()
		if err != nil {
			_ = ps.ReleaseRegister(block)
			return fmt.Errorf("failed to reserve offset register: %w", err)
		}
		ps.block, ps.offset = &block, &offset
	}

	ps.rawSize = bytes
	ps.hasRawSize = true
	ps.invalidate()
	return nil
}

// RawDataSize returns the declared raw data size.
func (ps *ParallelStream) RawDataSize() (uint32, bool) {
	return ps.rawSize, ps.hasRawSize
}

// Rank returns the register holding the instance rank.
func (ps *ParallelStream) Rank() insts.Register {
	return ps.rank
}

// Size returns the register holding the number of instances.
func (ps *ParallelStream) Size() insts.Register {
	return ps.size
}

// BlockSize returns the register holding the per-instance block size.
func (ps *ParallelStream) BlockSize() (insts.Register, error) {
	if ps.block == nil {
		return insts.Register{}, ErrBlockRegistersUnset
	}
	return *ps.block, nil
}

// Offset returns the register holding the byte offset of the instance's
// block.
func (ps *ParallelStream) Offset() (insts.Register, error) {
	if ps.offset == nil {
		return insts.Register{}, ErrBlockRegistersUnset
	}
	return *ps.offset, nil
}

// Partition returns the block size and offset for one instance. The
// remainder total % n is not assigned to any instance.
func (ps *ParallelStream) Partition(n, rank int) (block, offset uint32) {
	return Partition(ps.rawSize, n, rank)
}

// ReleaseParallelRegisters returns the rank, size, block and offset
// registers to the allocator.
func (ps *ParallelStream) ReleaseParallelRegisters() error {
	regs := []insts.Register{ps.rank, ps.size}
	if ps.block != nil {
		regs = append(regs, *ps.block, *ps.offset)
	}

	var errs []error
	for _, r := range regs {
		if err := ps.ReleaseRegister(r); err != nil {
			errs = append(errs, err)
		}
	}
	ps.block, ps.offset = nil, nil
	ps.released = true
	ps.invalidate()
	return errors.Join(errs...)
}

func (ps *ParallelStream) emitPrologue(p *Stream) error {
	if ps.released {
		return fmt.Errorf("%w: parallel registers were released", ErrInvalidRegister)
	}

	r3, r4 := insts.GP(3), insts.GP(4)
	p.Append(insts.SHLQBYI(ps.rank, r3, shiftSlot1))
	p.Append(insts.SHLQBYI(ps.size, r3, shiftSlot2))

	if !ps.hasRawSize {
		return nil
	}
	if ps.block == nil || ps.offset == nil {
		return ErrBlockRegistersUnset
	}
	p.Append(insts.SHLQBYI(*ps.block, r4, shiftSlot1))
	p.Append(insts.SHLQBYI(*ps.offset, r4, shiftSlot2))
	return nil
}

// Partition splits total bytes into n equal blocks and returns the size and
// offset of the block owned by rank. The remainder total % n is dropped.
func Partition(total uint32, n, rank int) (block, offset uint32) {
	if n <= 0 {
		return 0, 0
	}
	block = total / uint32(n)
	return block, block * uint32(rank)
}
