// Package pool implements the fixed-capacity, bitmap-indexed block allocator
// used on every hot-path allocation: reassembled transport frames, queued
// compressed audio packets, and DMA capture scratch buffers. Ownership is
// linear — Acquire hands out a unique pointer, Release returns it exactly
// once. There is no backing heap growth: once a class is exhausted, Acquire
// returns nil and the caller must drop the work unit rather than spin or
// fall back to a heap allocation.
package pool

import (
	"sync"
	"unsafe"
)

// Class sizes, in ascending order. 2048 and 4096 cover reassembled binary
// batches (bounded at 4 KB per §6) and worst-case DMA capture reads; 64/128/256
// cover small compressed audio packets and JSON control frames.
var classSizes = [...]int{64, 128, 256, 2048, 4096}

// classCaps is the per-class block count. Sized generously for desktop/dev
// use; a resource-constrained board would tune these down, which is exactly
// why they are a single table rather than scattered literals.
var classCaps = [...]int{64, 64, 32, 16, 24}

// Stats holds the lifetime counters for one size class.
type Stats struct {
	Acquires uint64
	Releases uint64
	Peak     int // high-water mark of concurrently acquired blocks
}

// Leak returns Acquires-Releases, the count of blocks never returned.
func (s Stats) Leak() int64 { return int64(s.Acquires) - int64(s.Releases) }

type class struct {
	size    int
	mu      sync.Mutex
	bitmap  []bool // true = in use
	blocks  [][]byte
	stats   Stats
	inUse   int
}

// Pool is the full set of size classes.
type Pool struct {
	classes [len(classSizes)]*class
}

// New allocates the backing storage for every class up front.
func New() *Pool {
	p := &Pool{}
	for i, size := range classSizes {
		cap := classCaps[i]
		c := &class{
			size:   size,
			bitmap: make([]bool, cap),
			blocks: make([][]byte, cap),
		}
		for j := range c.blocks {
			c.blocks[j] = make([]byte, size)
		}
		p.classes[i] = c
	}
	return p
}

// classIndex returns the smallest class index whose size is >= n, or -1 if
// n exceeds the largest class.
func classIndex(n int) int {
	for i, size := range classSizes {
		if n <= size {
			return i
		}
	}
	return -1
}

// Block is a handle to an acquired pool buffer. Data is sized exactly to the
// caller's request but backed by the full class-sized block; Release must be
// called exactly once. slot/class identify the owning bitmap bit so Release
// is an O(1) mask, not a search.
type Block struct {
	Data  []byte
	class int
	slot  int
	pool  *Pool
}

// Release returns b to the Pool it was acquired from. It is a convenience
// wrapper over Pool.Release for call sites that carry the Block itself
// (e.g. across a channel) rather than a reference to the Pool. Safe to call
// on a nil Block.
func (b *Block) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Release(b)
}

// Acquire reserves a block able to hold n bytes and returns a Block whose
// Data has length n. It returns nil if n exceeds the largest class or the
// matching class is exhausted — callers must treat both as "drop the work
// unit", never spin or retry synchronously.
func (p *Pool) Acquire(n int) *Block {
	idx := classIndex(n)
	if idx < 0 {
		return nil
	}
	c := p.classes[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, used := range c.bitmap {
		if !used {
			c.bitmap[i] = true
			c.stats.Acquires++
			c.inUse++
			if c.inUse > c.stats.Peak {
				c.stats.Peak = c.inUse
			}
			return &Block{Data: c.blocks[i][:n], class: idx, slot: i, pool: p}
		}
	}
	return nil
}

// AcquireInt16 reserves a block able to hold n int16 samples and returns it
// both as the owning Block (for Release) and as a zero-copy []int16 view
// over the same bytes, reinterpreted in place rather than copied. Returns
// (nil, nil) under the same conditions as Acquire, and for n<=0.
func (p *Pool) AcquireInt16(n int) (*Block, []int16) {
	if n <= 0 {
		return nil, nil
	}
	b := p.Acquire(n * 2)
	if b == nil {
		return nil, nil
	}
	return b, unsafe.Slice((*int16)(unsafe.Pointer(&b.Data[0])), n)
}

// Release returns b to its class. Safe only for a Block obtained from this
// Pool; calling it twice for the same Block, or on a nil Block, is a no-op
// so call sites in drop paths don't need a nil-check before releasing.
func (p *Pool) Release(b *Block) {
	if b == nil {
		return
	}
	c := p.classes[b.class]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitmap[b.slot] {
		c.bitmap[b.slot] = false
		c.stats.Releases++
		c.inUse--
	}
}

// ReleaseBySize releases data back to the class matching len(data), for call
// sites that only retained the raw slice (e.g. after it was handed off into
// a byte-oriented API) rather than the acquiring Block. data must be a slice
// obtained from a Block.Data of this Pool; releasing a size that does not
// correspond to an outstanding acquire from the matching class is a
// programmer error, same as double free.
func (p *Pool) ReleaseBySize(data []byte) {
	idx := classIndex(len(data))
	if idx < 0 {
		return
	}
	c := p.classes[idx]
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, blk := range c.blocks {
		if len(blk) > 0 && len(data) > 0 && &blk[0] == &data[0] && c.bitmap[i] {
			c.bitmap[i] = false
			c.stats.Releases++
			c.inUse--
			return
		}
	}
}

// Stats returns a snapshot of the counters for the class matching n bytes.
// Returns the zero Stats if n exceeds the largest class.
func (p *Pool) Stats(n int) Stats {
	idx := classIndex(n)
	if idx < 0 {
		return Stats{}
	}
	c := p.classes[idx]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ClassSizes returns the configured class byte sizes, ascending.
func ClassSizes() []int {
	out := make([]int, len(classSizes))
	copy(out, classSizes[:])
	return out
}

// AllStats returns a snapshot of every class's counters, indexed the same
// way as ClassSizes.
func (p *Pool) AllStats() []Stats {
	out := make([]Stats, len(p.classes))
	for i, c := range p.classes {
		c.mu.Lock()
		out[i] = c.stats
		c.mu.Unlock()
	}
	return out
}
