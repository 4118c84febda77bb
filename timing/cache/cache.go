// Package cache models the SPU instruction line buffer using Akita cache
// components.
package cache

import (
	"encoding/binary"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds line buffer configuration parameters.
type Config struct {
	// Size in bytes
	Size int
	// Associativity (number of ways)
	Associativity int
	// BlockSize in bytes (fetch line size)
	BlockSize int
	// HitLatency in cycles
	HitLatency uint64
	// MissLatency in cycles (includes the local store refill)
	MissLatency uint64
}

// DefaultILBConfig returns the default instruction line buffer geometry:
// 2 KiB, 2-way, 64B lines.
func DefaultILBConfig() Config {
	return Config{
		Size:          2048,
		Associativity: 2,
		BlockSize:     64,
		HitLatency:    0,
		MissLatency:   15,
	}
}

// AccessResult contains the result of a fetch.
type AccessResult struct {
	// Hit indicates whether the line was resident.
	Hit bool
	// Latency is the number of cycles this fetch adds.
	Latency uint64
	// Word is the big-endian instruction word at the address.
	Word uint32
	// Evicted is true if a valid line was replaced.
	Evicted bool
	// EvictedAddr is the address of the replaced line.
	EvictedAddr uint64
}

// Statistics holds line buffer statistics.
type Statistics struct {
	Fetches   uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// BackingStore is the memory lines are refilled from.
type BackingStore interface {
	// Read fetches size bytes starting at addr.
	Read(addr uint64, size int) []byte
}

// Cache is an instruction line buffer. Lines are never dirty.
type Cache struct {
	config Config

	directory *akitacache.DirectoryImpl

	// indexed by (setID * associativity + wayID)
	dataStore [][]byte

	stats   Statistics
	backing BackingStore
}

// New creates a line buffer. A nil backing refills lines with zeros.
func New(config Config, backing BackingStore) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)
	totalBlocks := numSets * config.Associativity

	dataStore := make([][]byte, totalBlocks)
	for i := range dataStore {
		dataStore[i] = make([]byte, config.BlockSize)
	}

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		dataStore: dataStore,
		backing:   backing,
	}
}

// Config returns the line buffer configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns line buffer statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) lineAddr(addr uint64) uint64 {
	return addr &^ uint64(c.config.BlockSize-1)
}

// Fetch reads the instruction word at addr through the line buffer.
func (c *Cache) Fetch(addr uint64) AccessResult {
	c.stats.Fetches++

	lineAddr := c.lineAddr(addr)
	block := c.directory.Lookup(0, lineAddr)

	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)

		return AccessResult{
			Hit:     true,
			Latency: c.config.HitLatency,
			Word:    wordAt(c.dataStore[c.blockIndex(block)], addr-lineAddr),
		}
	}

	c.stats.Misses++
	return c.refill(addr)
}

func (c *Cache) refill(addr uint64) AccessResult {
	result := AccessResult{Latency: c.config.MissLatency}

	lineAddr := c.lineAddr(addr)
	victim := c.directory.FindVictim(lineAddr)
	if victim == nil {
		return result
	}

	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag
	}

	data := c.dataStore[c.blockIndex(victim)]
	if c.backing != nil {
		copy(data, c.backing.Read(lineAddr, c.config.BlockSize))
	} else {
		clear(data)
	}

	victim.Tag = lineAddr
	victim.IsValid = true
	victim.IsDirty = false
	c.directory.Visit(victim)

	result.Word = wordAt(data, addr-lineAddr)
	return result
}

// Contains reports whether the line holding addr is resident.
func (c *Cache) Contains(addr uint64) bool {
	block := c.directory.Lookup(0, c.lineAddr(addr))
	return block != nil && block.IsValid
}

// Invalidate drops the line holding addr, e.g. after the code under it
// was patched.
func (c *Cache) Invalidate(addr uint64) {
	block := c.directory.Lookup(0, c.lineAddr(addr))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
}

// InvalidateRange drops every line overlapping [addr, addr+size).
func (c *Cache) InvalidateRange(addr uint64, size int) {
	if size <= 0 {
		return
	}
	end := addr + uint64(size)
	for line := c.lineAddr(addr); line < end; line += uint64(c.config.BlockSize) {
		c.Invalidate(line)
	}
}

// Reset invalidates all lines and clears statistics.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}

func wordAt(data []byte, offset uint64) uint32 {
	offset &^= 3
	if int(offset)+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}
