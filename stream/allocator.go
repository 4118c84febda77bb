package stream

import (
	"errors"
	"fmt"

	"github.com/sarchlab/spurt/insts"
)

var (
	// ErrRegisterConflict is returned when an explicitly requested register
	// is already owned.
	ErrRegisterConflict = errors.New("register already in use")
	// ErrRegisterExhausted is returned when no free register is left.
	ErrRegisterExhausted = errors.New("register file exhausted")
	// ErrInvalidRegister is returned when releasing a register that is not
	// allocated or does not exist.
	ErrInvalidRegister = errors.New("invalid register")
)

// Allocator tracks which entries of a register file are in use.
type Allocator struct {
	used      []bool
	inUse     int
	firstFree int
}

// NewAllocator creates an allocator for a register file of size entries.
// Acquire hands out indices starting at firstFree; lower indices can only be
// taken explicitly.
func NewAllocator(size, firstFree int) *Allocator {
	if firstFree < 0 {
		firstFree = 0
	}
	return &Allocator{
		used:      make([]bool, size),
		firstFree: firstFree,
	}
}

// Size returns the number of registers in the file.
func (a *Allocator) Size() int {
	return len(a.used)
}

// Acquire returns the lowest free register at or above the first free index.
func (a *Allocator) Acquire() (insts.Register, error) {
	for i := a.firstFree; i < len(a.used); i++ {
		if !a.used[i] {
			a.used[i] = true
			a.inUse++
			return insts.GP(i), nil
		}
	}
	return insts.Register{}, fmt.Errorf("%w: %d of %d registers in use", ErrRegisterExhausted, a.inUse, len(a.used))
}

// AcquireIndex reserves the register with the given index.
func (a *Allocator) AcquireIndex(index int) (insts.Register, error) {
	if index < 0 || index >= len(a.used) {
		return insts.Register{}, fmt.Errorf("%w: index %d out of range", ErrInvalidRegister, index)
	}
	if a.used[index] {
		return insts.Register{}, fmt.Errorf("%w: $r%d", ErrRegisterConflict, index)
	}
	a.used[index] = true
	a.inUse++
	return insts.GP(index), nil
}

// Release returns a register to the free pool.
func (a *Allocator) Release(r insts.Register) error {
	if r.Index < 0 || r.Index >= len(a.used) {
		return fmt.Errorf("%w: index %d out of range", ErrInvalidRegister, r.Index)
	}
	if !a.used[r.Index] {
		return fmt.Errorf("%w: $r%d is not allocated", ErrInvalidRegister, r.Index)
	}
	a.used[r.Index] = false
	a.inUse--
	return nil
}

// InUse reports whether the register with the given index is allocated.
func (a *Allocator) InUse(index int) bool {
	return index >= 0 && index < len(a.used) && a.used[index]
}

// Free returns the number of unallocated registers.
func (a *Allocator) Free() int {
	return len(a.used) - a.inUse
}

// Reset releases every register.
func (a *Allocator) Reset() {
	for i := range a.used {
		a.used[i] = false
	}
	a.inUse = 0
}
