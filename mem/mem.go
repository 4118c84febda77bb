// Package mem provides fixed-size, fixed-alignment memory regions used for
// code and data transfer to coprocessor contexts.
//
// Buffers are mapped outside the Go heap, so their addresses are stable for
// their whole lifetime. Every live buffer is registered in a host address
// space table that DMA-style primitives use to resolve (address, size)
// requests back to bytes.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultAlignment is the alignment used for data transfers (one DMA line).
const DefaultAlignment = 128

var (
	// ErrBadAlignment is returned when the alignment is not a power of two.
	ErrBadAlignment = errors.New("alignment must be a power of two")
	// ErrBadSize is returned for non-positive buffer sizes.
	ErrBadSize = errors.New("buffer size must be positive")
	// ErrUnknownAddress is returned when an address range is not backed by a
	// live buffer.
	ErrUnknownAddress = errors.New("address range is not mapped")
	// ErrFreed is returned when a freed buffer is used.
	ErrFreed = errors.New("buffer has been freed")
)

// AlignedBuffer is a memory region whose start address is a multiple of its
// alignment.
type AlignedBuffer struct {
	mu        sync.RWMutex
	raw       []byte
	buf       []byte
	alignment int
}

// New maps a buffer of size bytes aligned to alignment bytes.
func New(size, alignment int) (*AlignedBuffer, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadAlignment, alignment)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}

	// mmap returns page aligned memory; only larger alignments need slack.
	length := size
	if alignment > unix.Getpagesize() {
		length += alignment
	}

	raw, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", length, err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	off := int(AlignUp(base, uintptr(alignment)) - base)

	b := &AlignedBuffer{
		raw:       raw,
		buf:       raw[off : off+size : off+size],
		alignment: alignment,
	}
	hostSpace.add(b)

	return b, nil
}

// Addr returns the host address of the first byte.
func (b *AlignedBuffer) Addr() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.buf == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.buf[0]))
}

// Size returns the buffer size in bytes.
func (b *AlignedBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Alignment returns the alignment the buffer was created with.
func (b *AlignedBuffer) Alignment() int {
	return b.alignment
}

// Bytes returns the underlying bytes. The slice is invalid after Free.
func (b *AlignedBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf
}

// Word returns the i-th big-endian 32-bit word.
func (b *AlignedBuffer) Word(i int) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return binary.BigEndian.Uint32(b.buf[i*4:])
}

// SetWord stores the i-th big-endian 32-bit word.
func (b *AlignedBuffer) SetWord(i int, w uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	binary.BigEndian.PutUint32(b.buf[i*4:], w)
}

// CopyFrom copies src into the start of the buffer and returns the number
// of bytes copied.
func (b *AlignedBuffer) CopyFrom(src []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(b.buf, src)
}

// CopyTo copies the start of the buffer into dst and returns the number of
// bytes copied.
func (b *AlignedBuffer) CopyTo(dst []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copy(dst, b.buf)
}

// String describes the buffer.
func (b *AlignedBuffer) String() string {
	return fmt.Sprintf("<aligned buffer addr=0x%X size=%d align=%d>", b.Addr(), b.Size(), b.alignment)
}

// Free unmaps the buffer. Freeing twice returns ErrFreed.
func (b *AlignedBuffer) Free() error {
	addr := b.Addr()
	if addr == 0 {
		return ErrFreed
	}
	// Unregister before taking the buffer lock; Resolve locks in the
	// opposite order.
	hostSpace.remove(addr)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.raw == nil {
		return ErrFreed
	}

	err := unix.Munmap(b.raw)
	b.raw = nil
	b.buf = nil
	if err != nil {
		return fmt.Errorf("failed to unmap buffer: %w", err)
	}
	return nil
}

// AlignUp rounds addr up to the next multiple of align (a power of two).
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align (a power of two).
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr, align uintptr) bool {
	return addr&(align-1) == 0
}
