// Package pool implements the sorted, coalescing vector of free blocks that
// backs a Bookkeeper.
//
// A Pool never holds allocated (in-use) blocks, only the gaps between
// them. It keeps its slice sorted by address and merges any pair of
// entries that become adjacent, so the number of entries is always the
// number of genuinely disjoint free extents. Its backing slice is an
// ordinary Go slice grown with append, so growing it never calls back into
// the bookkeeper that owns it.
package pool

import (
	"sort"

	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/internal/debug"
)

// Slack is the capacity a new Pool starts with, and the spare capacity
// TrimExcess leaves beyond the current length.
//
// The pool's backing array is allocated by the Go runtime, not by the
// bookkeeper it belongs to, so growing it cannot recurse into that
// bookkeeper; Slack only sizes those allocations.
const Slack = 4

// Pool is a sorted, coalesced vector of free blocks.
type Pool struct {
	blocks []block.Block
}

// New returns an empty pool with room for Slack entries before it must
// grow.
func New() *Pool {
	return &Pool{blocks: make([]block.Block, 0, Slack)}
}

// Len returns the number of free blocks currently tracked.
func (p *Pool) Len() int { return len(p.blocks) }

// At returns the block at index i.
func (p *Pool) At(i int) block.Block { return p.blocks[i] }

// Blocks returns the pool's entries in address order. The returned slice
// aliases the pool's storage and must not be retained past the next
// mutating call.
func (p *Pool) Blocks() []block.Block { return p.blocks }

// indexOf returns the index of the first entry whose address is >= addr.
func (p *Pool) indexOf(addr uintptr) int {
	return sort.Search(len(p.blocks), func(i int) bool {
		return p.blocks[i].Addr >= addr
	})
}

// Search returns the index of the first free block that can satisfy an
// allocation of size bytes aligned to align, or false if none does.
func (p *Pool) Search(size, align uintptr) (int, bool) {
	for i, b := range p.blocks {
		if b.Size < size {
			continue
		}

		out := b.Align(align)
		if out.IsNone() {
			continue
		}

		_, rest := out.Unwrap().Unpack()
		if rest.Size >= size {
			return i, true
		}
	}

	return 0, false
}

// Insert adds b to the pool, merging it with whichever neighbors it turns
// out to be adjacent to, and keeps the slice sorted.
//
// Insert is the only way new free space enters a pool: both a Free of a
// live allocation and the arrival of fresh OS memory go through it.
func (p *Pool) Insert(b block.Block) {
	if b.Empty() {
		return
	}

	i := p.indexOf(b.Addr)

	if i > 0 && p.blocks[i-1].LeftTo(b) {
		merged := p.blocks[i-1].MergeRight(b)
		debug.Assert(merged.IsOk(), "insert: left neighbor not actually adjacent")
		p.blocks[i-1] = merged.Unwrap()

		if i < len(p.blocks) && p.blocks[i-1].LeftTo(p.blocks[i]) {
			merged = p.blocks[i-1].MergeRight(p.blocks[i])
			debug.Assert(merged.IsOk(), "insert: right neighbor not actually adjacent")
			p.blocks[i-1] = merged.Unwrap()
			p.removeAt(i)
		}

		return
	}

	if i < len(p.blocks) && b.LeftTo(p.blocks[i]) {
		merged := b.MergeRight(p.blocks[i])
		debug.Assert(merged.IsOk(), "insert: right neighbor not actually adjacent")
		p.blocks[i] = merged.Unwrap()

		return
	}

	p.insertAt(i, b)
}

// Take removes and returns the block at index i.
func (p *Pool) Take(i int) block.Block {
	return p.removeAt(i)
}

// insertAt splices b into position i, growing the backing slice if the
// slack has been exhausted.
func (p *Pool) insertAt(i int, b block.Block) {
	p.blocks = append(p.blocks, block.Block{})
	copy(p.blocks[i+1:], p.blocks[i:])
	p.blocks[i] = b
}

// removeAt deletes the entry at index i and returns its previous value.
func (p *Pool) removeAt(i int) block.Block {
	old := p.blocks[i]
	copy(p.blocks[i:], p.blocks[i+1:])
	p.blocks = p.blocks[:len(p.blocks)-1]

	return old
}

// TrimExcess drops trailing capacity beyond Slack entries, replacing the
// backing array with a fresh one sized to len+Slack. It always
// reallocates; no allocator path calls it.
func (p *Pool) TrimExcess() {
	if cap(p.blocks)-len(p.blocks) <= Slack {
		return
	}

	next := make([]block.Block, len(p.blocks), len(p.blocks)+Slack)
	copy(next, p.blocks)
	p.blocks = next
}

// Check verifies the pool's invariants: sorted order, no two adjacent
// entries that should have merged, and no zero-sized entries (Insert
// never stores one). Debug builds only.
func (p *Pool) Check() {
	for i, b := range p.blocks {
		debug.Assert(!b.Empty(), "pool: empty entry at %d", i)
	}

	for i := 1; i < len(p.blocks); i++ {
		debug.Assert(!p.blocks[i-1].LeftTo(p.blocks[i]), "pool: unmerged adjacent blocks at %d, %d", i-1, i)
		debug.Assert(p.blocks[i-1].Addr <= p.blocks[i].Addr, "pool: out of order at %d, %d", i-1, i)
	}
}
