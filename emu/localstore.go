package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/spurt/native"
)

const lsMask = native.LocalStoreSize - 1

// LocalStore is the private memory of one SPU context. Addresses wrap at the
// local store size, as on hardware.
type LocalStore struct {
	data []byte
}

// NewLocalStore creates a zeroed local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{data: make([]byte, native.LocalStoreSize)}
}

// Read32 reads a big-endian word.
func (ls *LocalStore) Read32(addr uint32) uint32 {
	addr &= lsMask &^ 3
	return binary.BigEndian.Uint32(ls.data[addr:])
}

// Write32 writes a big-endian word.
func (ls *LocalStore) Write32(addr, value uint32) {
	addr &= lsMask &^ 3
	binary.BigEndian.PutUint32(ls.data[addr:], value)
}

// ReadQuad reads the quadword containing addr.
func (ls *LocalStore) ReadQuad(addr uint32) native.Quad {
	addr &= lsMask &^ 0xF
	var q native.Quad
	for i := range q {
		q[i] = binary.BigEndian.Uint32(ls.data[addr+uint32(i)*4:])
	}
	return q
}

// WriteQuad writes the quadword containing addr.
func (ls *LocalStore) WriteQuad(addr uint32, q native.Quad) {
	addr &= lsMask &^ 0xF
	for i, w := range q {
		binary.BigEndian.PutUint32(ls.data[addr+uint32(i)*4:], w)
	}
}

// Load copies src to addr. The range must fit in the local store.
func (ls *LocalStore) Load(addr uint32, src []byte) error {
	if err := ls.check(addr, len(src)); err != nil {
		return err
	}
	copy(ls.data[addr:], src)
	return nil
}

// Store copies the range at addr into dst.
func (ls *LocalStore) Store(addr uint32, dst []byte) error {
	if err := ls.check(addr, len(dst)); err != nil {
		return err
	}
	copy(dst, ls.data[addr:])
	return nil
}

func (ls *LocalStore) check(addr uint32, size int) error {
	if uint64(addr)+uint64(size) > native.LocalStoreSize {
		return fmt.Errorf("%w: local store 0x%X+%d", native.ErrBadTransfer, addr, size)
	}
	return nil
}
