// Package ralloc is a general-purpose userspace memory allocator: a
// drop-in replacement for the process's own malloc/free/realloc, built on
// a program-break-backed global pool with per-goroutine local caches
// layered on top.
package ralloc

import (
	"bytes"
	"fmt"

	"github.com/flier/ralloc/internal/bk"
	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/internal/oom"
	"github.com/flier/ralloc/internal/sys"
	"github.com/flier/ralloc/internal/tier"
	"github.com/flier/ralloc/internal/tls"
	"github.com/flier/ralloc/pkg/res"
	"github.com/flier/ralloc/pkg/xerrors"
)

// Allocator is a self-contained instance of the allocator, over its own
// program break and its own set of local caches. Most programs only ever
// need the package-level functions, which dispatch to a lazily
// constructed default Allocator; Allocator itself exists so tests (and
// anything else that needs an isolated heap) don't have to share global
// state with the rest of the process.
type Allocator struct {
	ops    sys.Ops
	global *tier.Global
	tls    *tls.Manager
}

// New returns an Allocator obtaining memory through ops.
func New(ops sys.Ops) *Allocator {
	global := tier.NewGlobal(ops)

	return &Allocator{ops: ops, global: global, tls: tls.NewManager(ops, global)}
}

// Alloc returns size bytes aligned to align, preferring the calling
// goroutine's local cache and falling back to the global tier.
func (a *Allocator) Alloc(size, align uintptr) (uintptr, error) {
	if local := a.tls.Get(); local.IsSome() {
		return local.Unwrap().Alloc(size, align)
	}

	return a.global.Alloc(size, align)
}

// Free returns a size-byte allocation at addr. It tries the calling
// goroutine's local cache first, since that's the tier the address is
// most likely to belong to, then falls back to the global tier, since a
// pointer can cross goroutines and be freed by whichever one gets there
// last.
func (a *Allocator) Free(addr, size uintptr) {
	if local := a.tls.Get(); local.IsSome() && local.Unwrap().TryFree(addr, size) {
		return
	}

	a.global.Free(addr, size)
}

// ReallocInPlace attempts to resize the addr/oldSize allocation to
// newSize without moving it, trying the calling goroutine's local cache
// before the global tier. Returns Err(bk.ErrNoInPlace) when neither tier
// can do it without moving the allocation.
func (a *Allocator) ReallocInPlace(addr, oldSize, newSize uintptr) res.Result[uintptr] {
	if local := a.tls.Get(); local.IsSome() {
		if out, ok := local.Unwrap().ReallocInPlace(addr, oldSize, newSize); ok {
			return res.Ok(out)
		}
	}

	if out, ok := a.global.ReallocInPlace(addr, oldSize, newSize); ok {
		return res.Ok(out)
	}

	return res.Err[uintptr](bk.ErrNoInPlace)
}

// Realloc resizes the addr/oldSize allocation to newSize aligned to
// align, growing or shrinking in place when possible and falling back to
// allocate-copy-free otherwise.
func (a *Allocator) Realloc(addr, oldSize, newSize, align uintptr) (uintptr, error) {
	if out := a.ReallocInPlace(addr, oldSize, newSize); out.IsOk() {
		return out.Unwrap(), nil
	}

	newAddr, err := a.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}

	block.New(addr, n).CopyTo(block.New(newAddr, n)) //nolint:errcheck

	a.Free(addr, oldSize)

	return newAddr, nil
}

// SetZeroOnFree enables or disables scrubbing freed memory before it
// returns to any pool, for callers that can't afford to leave freed data
// readable behind a dangling pointer. Local caches created before the
// toggle keep their previous setting until their goroutine exits.
func (a *Allocator) SetZeroOnFree(on bool) { a.global.SetZeroOnFree(on) }

// Sbrk grows or shrinks this Allocator's program break directly by delta
// bytes, returning the break in effect before the move. This lets
// foreign code sharing the same data segment serialize through the same
// arbiter instead of racing this allocator's own brk(2) calls.
func (a *Allocator) Sbrk(delta int) (uintptr, error) { return a.global.Sbrk(delta) }

// Stats reports the allocator's global-tier bookkeeping counters.
func (a *Allocator) Stats() bk.Stats { return a.global.Stats() }

// Leaked reports every outstanding global-tier allocation, for
// diagnostic use (e.g. at process exit). Allocations still cached in a
// goroutine's local tier are not included unless that goroutine's local
// allocator has drained.
func (a *Allocator) Leaked() []block.Block { return a.global.Leaked() }

// WriteLeaks formats every outstanding allocation Leaked reports and
// writes the report to fd through the allocator's OS collaborator, one
// line per block. Writing through ops keeps the report off Go's buffered
// stdio; the usual call site is process exit, where buffers may never
// flush again. Returns the first write error, if any; a clean heap
// writes nothing.
func (a *Allocator) WriteLeaks(fd int) error {
	var buf bytes.Buffer

	for _, b := range a.Leaked() {
		fmt.Fprintf(&buf, "ralloc: leaked %v\n", b)
	}

	if buf.Len() == 0 {
		return nil
	}

	_, err := a.ops.WriteLog(fd, buf.Bytes())

	return err
}

// SetOOMHandler installs h as this process's out-of-memory handler. A
// well-behaved handler never returns; see internal/oom.Handler.
func SetOOMHandler(h oom.Handler) { oom.SetGlobalHandler(h) }

// SetThreadOOMHandler installs h as the calling goroutine's out-of-memory
// handler, overriding the global one for this goroutine only. The
// returned function restores the previous state.
func SetThreadOOMHandler(h oom.Handler) (restore func()) { return oom.SetThreadHandler(h) }

// IsOutOfMemory reports whether err is (or wraps) an out-of-memory
// condition raised by this allocator.
func IsOutOfMemory(err error) bool {
	_, ok := xerrors.AsA[*oom.OutOfMemoryError](err)
	return ok
}
