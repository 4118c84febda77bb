package mem

import (
	"fmt"
	"sync"
)

// addressSpace tracks live buffers by start address.
type addressSpace struct {
	mu      sync.RWMutex
	buffers map[uintptr]*AlignedBuffer
}

var hostSpace = &addressSpace{buffers: make(map[uintptr]*AlignedBuffer)}

func (s *addressSpace) add(b *AlignedBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[b.Addr()] = b
}

func (s *addressSpace) remove(addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, addr)
}

// Resolve returns the bytes backing the host range [addr, addr+size). The
// range must lie inside one live buffer.
func Resolve(addr uintptr, size int) ([]byte, error) {
	hostSpace.mu.RLock()
	defer hostSpace.mu.RUnlock()

	for start, b := range hostSpace.buffers {
		data := b.Bytes()
		end := start + uintptr(len(data))
		if addr >= start && addr+uintptr(size) <= end {
			off := int(addr - start)
			return data[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%X+%d", ErrUnknownAddress, addr, size)
}

// Live returns the number of mapped buffers.
func Live() int {
	hostSpace.mu.RLock()
	defer hostSpace.mu.RUnlock()
	return len(hostSpace.buffers)
}
