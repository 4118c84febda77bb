// Package native defines the primitive that loads code into a coprocessor
// context and runs it to a stop condition, and the data types exchanged with
// it.
package native

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"
)

// Target parameters.
const (
	// LocalStoreSize is the size of a context's local store in bytes.
	LocalStoreSize = 256 * 1024
	// MaxInstances is the number of physical contexts.
	MaxInstances = 6
	// NumParams is the number of positional parameter slots.
	NumParams = 10
	// MailboxChannel is the outbound interrupt mailbox channel.
	MailboxChannel = 28
	// loadAlignment is the alignment of code load addresses.
	loadAlignment = 0x80
)

var (
	// ErrNoContext is returned by Submit when every context is busy.
	ErrNoContext = errors.New("no free context")
	// ErrUnknownHandle is returned for handles the executor does not know.
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrNotHalted is returned by operations that need a halted context.
	ErrNotHalted = errors.New("context is not halted")
	// ErrExited is returned when resuming a context that has terminated.
	ErrExited = errors.New("context has exited")
	// ErrMailboxEmpty is returned by MailboxRead when no word is waiting.
	ErrMailboxEmpty = errors.New("mailbox is empty")
	// ErrBadTransfer is returned for DMA requests outside the local store
	// or host memory.
	ErrBadTransfer = errors.New("invalid transfer")
)

// Executor runs code on coprocessor contexts.
type Executor interface {
	// Submit loads the code described by p into a free context and starts
	// it.
	Submit(ctx context.Context, p Params) (Handle, error)
	// Wait blocks until the context halts and returns the stop code.
	Wait(ctx context.Context, h Handle) (StopCode, error)
	// Resume continues a halted context.
	Resume(h Handle) error
	// ReadRegisterFile copies the register file of a halted context.
	ReadRegisterFile(h Handle, out *RegisterFile) error
	// WriteRegisterFile replaces the register file of a halted context.
	WriteRegisterFile(h Handle, in *RegisterFile) error
	// MailboxStatus returns the number of words waiting in the outbound
	// mailbox.
	MailboxStatus(h Handle) (int, error)
	// MailboxRead pops one word from the outbound mailbox.
	MailboxRead(h Handle) (uint32, error)
	// TransferIn copies size bytes from host memory into the local store.
	TransferIn(h Handle, lsa uint32, host uintptr, size uint32) error
	// TransferOut copies size bytes from the local store to host memory.
	TransferOut(h Handle, lsa uint32, host uintptr, size uint32) error
	// MaxContexts returns the number of contexts that can run at once.
	MaxContexts() int
}

// Handle identifies one submitted context.
type Handle struct {
	id xid.ID
}

// NewHandle returns a fresh handle.
func NewHandle() Handle {
	return Handle{id: xid.New()}
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool {
	return h.id.IsNil()
}

// String returns the handle id.
func (h Handle) String() string {
	return h.id.String()
}

// StopCode is the signal a context halted with.
type StopCode uint32

// Exit stop codes terminate the context.
const (
	StopExitBase StopCode = 0x2000
	StopExitMask StopCode = 0x3FFF
)

// IsExit reports whether the context terminated.
func (c StopCode) IsExit() bool {
	return c >= StopExitBase && c <= StopExitMask
}

// ExitStatus returns the exit status carried by an exit stop.
func (c StopCode) ExitStatus() int {
	return int(c & 0xFF)
}

// String renders the code in hex.
func (c StopCode) String() string {
	return fmt.Sprintf("0x%04X", uint32(c))
}

// Quad is one 128-bit register as four big-endian word slots.
type Quad [4]uint32

// Splat returns a quad with v in every slot.
func Splat(v uint32) Quad {
	return Quad{v, v, v, v}
}

// RegisterFile is a full register file snapshot.
type RegisterFile [128]Quad

// Params is the parameter block of one submission.
type Params struct {
	P           [NumParams]uint32
	CodeAddress uintptr
	CodeSize    uint32
	LoadAddress uint32
}

// Slot returns the register and word slot parameter n (1-based) is passed
// in: p1..p3 in r3 slots 1-3, p4..p6 in r4 slots 1-3, p7..p10 in r5.
func Slot(n int) (reg, slot int, err error) {
	switch {
	case n >= 1 && n <= 3:
		return 3, n, nil
	case n >= 4 && n <= 6:
		return 4, n - 3, nil
	case n >= 7 && n <= 10:
		return 5, n - 7, nil
	default:
		return 0, 0, fmt.Errorf("parameter p%d out of range", n)
	}
}

// Set stores v in parameter n (1-based).
func (p *Params) Set(n int, v uint32) error {
	if n < 1 || n > NumParams {
		return fmt.Errorf("parameter p%d out of range", n)
	}
	p.P[n-1] = v
	return nil
}

// Get returns parameter n (1-based).
func (p *Params) Get(n int) uint32 {
	if n < 1 || n > NumParams {
		return 0
	}
	return p.P[n-1]
}

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	return p
}

// Apply writes the parameters into the r3-r5 slots of rf.
func (p *Params) Apply(rf *RegisterFile) {
	for n := 1; n <= NumParams; n++ {
		reg, slot, _ := Slot(n)
		rf[reg][slot] = p.P[n-1]
	}
}

// LoadAddressFor returns where code of size bytes is loaded: as high in the
// local store as the load alignment allows.
func LoadAddressFor(size uint32) uint32 {
	return (LocalStoreSize - 1 - size) &^ (loadAlignment - 1)
}
