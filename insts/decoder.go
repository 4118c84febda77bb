package insts

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultDecodeCacheSize is the number of decoded words a Decoder keeps.
const DefaultDecodeCacheSize = 4096

var (
	ops11 = map[uint32]Op{}
	ops9  = map[uint32]Op{}
	ops8  = map[uint32]Op{}
	ops7  = map[uint32]Op{}
)

func init() {
	for op := OpA; op < numOps; op++ {
		info := opTable[op]
		switch info.format {
		case FormatRR, FormatRI7, FormatStop:
			ops11[info.opcode] = op
		case FormatRI16:
			ops9[info.opcode] = op
		case FormatRI10:
			ops8[info.opcode] = op
		case FormatRI18:
			ops7[info.opcode] = op
		}
	}
}

// Raw wraps an arbitrary instruction word. Scheduling metadata is taken from
// the decoded opcode; unknown words are treated as even pipeline, latency 1.
func Raw(word uint32) Instruction {
	return decode(word)
}

// decode classifies a word by trying the opcode widths from the longest.
// The SPU opcode space is prefix free, so the first hit is the only one.
func decode(word uint32) Instruction {
	if op, ok := ops11[word>>21]; ok {
		if op == OpSTOP {
			return Instruction{op: OpSTOP, kind: KindStop, word: word}
		}
		return Instruction{op: op, word: word}
	}
	if op, ok := ops9[word>>23]; ok {
		return Instruction{op: op, word: word}
	}
	if op, ok := ops8[word>>24]; ok {
		return Instruction{op: op, word: word}
	}
	if op, ok := ops7[word>>25]; ok {
		return Instruction{op: op, word: word}
	}
	return Instruction{op: OpUnknown, word: word}
}

// Decoder decodes SPU machine code into instructions. Decoded words are
// memoised, so decoding the same hot loop repeatedly is a map lookup.
type Decoder struct {
	mu    sync.Mutex
	cache *simplelru.LRU[uint32, Instruction]
}

// NewDecoder creates a new SPU instruction decoder.
func NewDecoder() *Decoder {
	return NewDecoderWithCacheSize(DefaultDecodeCacheSize)
}

// NewDecoderWithCacheSize creates a decoder that memoises up to size words.
func NewDecoderWithCacheSize(size int) *Decoder {
	if size <= 0 {
		size = 1
	}
	cache, err := simplelru.NewLRU[uint32, Instruction](size, nil)
	if err != nil {
		panic(err)
	}
	return &Decoder{cache: cache}
}

// Decode decodes a 32-bit SPU instruction word.
func (d *Decoder) Decode(word uint32) Instruction {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inst, ok := d.cache.Get(word); ok {
		return inst
	}
	inst := decode(word)
	d.cache.Add(word, inst)
	return inst
}

// Cached returns the number of memoised words.
func (d *Decoder) Cached() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
