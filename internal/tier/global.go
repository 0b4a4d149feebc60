// Package tier implements the two-tier allocator topology: one
// process-wide Global allocator backed directly by the program break, and
// any number of Local allocators layered on top of it, each drawing
// chunks from Global instead of contending on its lock for every request.
package tier

import (
	"sync/atomic"

	"github.com/flier/ralloc/internal/bk"
	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/internal/brk"
	"github.com/flier/ralloc/internal/sys"
)

// Global is the process-wide allocator. There is exactly one per process,
// shared by every Local allocator and by any caller that allocates
// directly without going through a Local tier.
type Global struct {
	arbiter *brk.Arbiter
	book    *bk.Bookkeeper

	// secure records whether zero-on-free is enabled, so Local allocators
	// created after the toggle inherit it.
	secure atomic.Bool
}

// NewGlobal returns a Global allocator obtaining memory through ops.
func NewGlobal(ops sys.Ops) *Global {
	arbiter := brk.New(ops)
	book := bk.New(arbiter)
	book.SetReleaseThreshold(osMemtrimWorthy)
	book.SetReleaseLimit(osMemtrimLimit)

	return &Global{arbiter: arbiter, book: book}
}

// Alloc returns size bytes aligned to align.
func (g *Global) Alloc(size, align uintptr) (uintptr, error) { return g.book.Alloc(size, align) }

// Free returns a size-byte allocation at addr.
func (g *Global) Free(addr, size uintptr) { g.book.Free(addr, size) }

// TryFree returns a size-byte allocation at addr if Global itself
// recognizes it as live, reporting whether it did.
func (g *Global) TryFree(addr, size uintptr) bool { return g.book.TryFree(addr, size) }

// Realloc resizes the addr/oldSize allocation to newSize aligned to
// align.
func (g *Global) Realloc(addr, oldSize, newSize, align uintptr) (uintptr, error) {
	return g.book.Realloc(addr, oldSize, newSize, align)
}

// ReallocInPlace attempts to resize without moving the allocation,
// reporting false both when Global doesn't recognize addr as its own live
// allocation and when it does but can't grow or shrink it in place.
func (g *Global) ReallocInPlace(addr, oldSize, newSize uintptr) (uintptr, bool) {
	out, owned := g.book.TryReallocInPlace(addr, oldSize, newSize)
	return out.UnwrapOrDefault(), owned && out.IsOk()
}

// SetZeroOnFree enables or disables scrubbing freed memory before it
// re-enters any pool. Takes effect immediately for the global tier and
// for Local allocators created afterwards; Locals already handed out
// keep their setting.
func (g *Global) SetZeroOnFree(on bool) {
	g.secure.Store(on)
	g.book.SetSecure(on)
}

// ZeroOnFree reports whether zero-on-free is enabled.
func (g *Global) ZeroOnFree() bool { return g.secure.Load() }

// Sbrk grows or shrinks the program break directly, for code that needs
// to coexist with this allocator on the same data segment. See
// pkg/ralloc.Sbrk.
func (g *Global) Sbrk(delta int) (uintptr, error) { return g.arbiter.Sbrk(delta) }

// Stats reports the global tier's bookkeeping counters.
func (g *Global) Stats() bk.Stats { return g.book.Stats() }

// Leaked reports every outstanding allocation, diagnostic use only.
func (g *Global) Leaked() []block.Block { return g.book.Leaked() }
