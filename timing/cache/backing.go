package cache

import (
	"encoding/binary"

	"github.com/sarchlab/spurt/emu"
)

// LocalStoreBacking wraps an SPU local store as a BackingStore.
type LocalStoreBacking struct {
	ls *emu.LocalStore
}

// NewLocalStoreBacking creates a new LocalStoreBacking adapter.
func NewLocalStoreBacking(ls *emu.LocalStore) *LocalStoreBacking {
	return &LocalStoreBacking{ls: ls}
}

// Read fetches whole words from the local store. Addresses wrap like
// instruction fetch does.
func (b *LocalStoreBacking) Read(addr uint64, size int) []byte {
	data := make([]byte, size)
	for i := 0; i+4 <= size; i += 4 {
		binary.BigEndian.PutUint32(data[i:], b.ls.Read32(uint32(addr)+uint32(i)))
	}
	return data
}
