package ralloc

import (
	"sync"

	"github.com/flier/ralloc/internal/bk"
	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/pkg/res"
)

var (
	defaultOnce  sync.Once
	defaultAlloc *Allocator
)

func def() *Allocator {
	defaultOnce.Do(func() {
		defaultAlloc = New(defaultOps())
	})

	return defaultAlloc
}

// Alloc returns size bytes aligned to align from the process-wide default
// allocator.
func Alloc(size, align uintptr) (uintptr, error) { return def().Alloc(size, align) }

// Free returns a size-byte allocation at addr to the process-wide default
// allocator.
func Free(addr, size uintptr) { def().Free(addr, size) }

// Realloc resizes the addr/oldSize allocation to newSize aligned to
// align, on the process-wide default allocator.
func Realloc(addr, oldSize, newSize, align uintptr) (uintptr, error) {
	return def().Realloc(addr, oldSize, newSize, align)
}

// ReallocInPlace attempts to resize without moving the allocation, on the
// process-wide default allocator.
func ReallocInPlace(addr, oldSize, newSize uintptr) res.Result[uintptr] {
	return def().ReallocInPlace(addr, oldSize, newSize)
}

// SetZeroOnFree enables or disables zero-on-free on the process-wide
// default allocator. See Allocator.SetZeroOnFree.
func SetZeroOnFree(on bool) { def().SetZeroOnFree(on) }

// Sbrk grows or shrinks the process-wide default allocator's program
// break directly by delta bytes.
func Sbrk(delta int) (uintptr, error) { return def().Sbrk(delta) }

// Stats reports the process-wide default allocator's bookkeeping
// counters.
func Stats() bk.Stats { return def().Stats() }

// Leaked reports every outstanding allocation on the process-wide default
// allocator, for diagnostic use.
func Leaked() []block.Block { return def().Leaked() }

// WriteLeaks writes the process-wide default allocator's leak report to
// fd. See Allocator.WriteLeaks.
func WriteLeaks(fd int) error { return def().WriteLeaks(fd) }
