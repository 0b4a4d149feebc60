// Package brk arbitrates access to the process program break: the single
// piece of state shared with every other allocator (including the Go
// runtime's own, and any other library linked into the same process)
// that might also call brk(2). All moves of the break funnel through one
// Arbiter, which caches the last known value so that the kernel is asked
// for the current break only once; every later move is computed from the
// cached value.
package brk

import (
	"fmt"
	"sync"

	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/internal/debug"
	"github.com/flier/ralloc/internal/oom"
	"github.com/flier/ralloc/internal/sys"
	"github.com/flier/ralloc/pkg/opt"
	"github.com/flier/ralloc/pkg/tuple"
	"github.com/flier/ralloc/pkg/xunsafe/layout"
)

// Tuning constants for how much headroom to request beyond what a single
// allocation strictly needs: asking for a little more than necessary on
// every OS-level extension means most allocations are satisfied from the
// pool instead of round-tripping to the kernel.
const (
	// Multiplier applied to the requested size to compute the extra
	// headroom.
	Multiplier = 1
	// MaxExtra caps the extra headroom at a fixed ceiling, in bytes, so
	// a huge allocation doesn't drag an equally huge surplus in with it.
	MaxExtra = 500
	// Min is the minimum total size ever requested from the OS in one
	// extension, regardless of how small the triggering allocation was.
	Min = 200
)

// Arbiter owns the cached program break and serializes every move
// through a mutex, since concurrent brk(2) calls from multiple threads
// would otherwise race on a single, process-global cursor.
type Arbiter struct {
	ops sys.Ops

	mu  sync.Mutex
	cur opt.Option[uintptr]
}

// New returns an arbiter driving the break through ops.
func New(ops sys.Ops) *Arbiter {
	return &Arbiter{ops: ops}
}

// current returns the cached break, querying ops on first use.
//
// Must be called with mu held.
func (a *Arbiter) current() (uintptr, error) {
	if a.cur.IsSome() {
		return a.cur.Unwrap(), nil
	}

	brk, err := a.ops.SetBreak(0)
	if err != nil {
		return 0, fmt.Errorf("brk: query current break: %w", err)
	}

	a.cur = opt.Some(brk)

	return brk, nil
}

// Sbrk moves the break by delta bytes (which may be negative) and
// returns the break in effect before the move, mirroring the libc sbrk
// convention. Contention on the arbiter's lock is expected to be rare
// enough that a plain mutex, which already parks waiters instead of
// spinning, is preferable to a hand-rolled spin-and-yield loop; the
// yield path described for this lock is instead exercised by Acquire
// below for callers that need it.
func (a *Arbiter) Sbrk(delta int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sbrkLocked(delta)
}

// sbrkLocked is Sbrk's body, factored out so CanonicalBrk can read the
// break, compute padding from it, and move the break again without ever
// releasing the lock in between; otherwise a concurrent Sbrk/CanonicalBrk
// call could move the break between the read and the move, and the
// padding CanonicalBrk computed would no longer match the block it
// actually got back.
//
// Must be called with mu held.
func (a *Arbiter) sbrkLocked(delta int) (uintptr, error) {
	prev, err := a.current()
	if err != nil {
		return 0, err
	}

	next := prev
	if delta >= 0 {
		next += uintptr(delta)
	} else {
		shrink := uintptr(-delta)
		debug.Assert(shrink <= prev, "brk: shrink %d exceeds current break %#x", shrink, prev)
		next -= shrink
	}

	got, err := a.ops.SetBreak(next)
	if err != nil {
		return 0, &oom.OutOfMemoryError{Requested: uintptr(max(delta, 0)), Cause: err}
	}

	// A collaborator following the raw brk(2) convention reports refusal
	// with no error at all: it just hands the old break back unchanged.
	// Either way the break did not move, and caching next here would make
	// every allocator above start handing out addresses the kernel never
	// granted.
	if got != next {
		return 0, &oom.OutOfMemoryError{
			Requested: uintptr(max(delta, 0)),
			Cause:     fmt.Errorf("brk: break stayed at %#x, wanted %#x", got, next),
		}
	}

	a.cur = opt.Some(got)

	return prev, nil
}

// Acquire spins on the arbiter's lock, yielding the processor to the OS
// scheduler between attempts, and runs f with the lock held. This is the
// spin-and-yield acquisition path for callers that need to interleave
// with the arbiter without parking; ordinary Go code should just call
// Sbrk, whose internal sync.Mutex already does the right thing.
func (a *Arbiter) Acquire(f func() error) error {
	for !a.mu.TryLock() {
		a.ops.Yield()
	}
	defer a.mu.Unlock()

	return f()
}

// CanonicalBrk extends the break enough to satisfy an allocation of size
// bytes aligned to align, requesting extra headroom so that most
// subsequent allocations are served from the pool instead of round-
// tripping to the kernel again.
//
// It returns (aligner, result, excessive): aligner is the unaligned
// padding before the usable block, result is the block to hand back to
// the caller, and excessive is whatever headroom is left over to push
// into the pool.
func (a *Arbiter) CanonicalBrk(size, align uintptr) (tuple.Tuple3[block.Block, block.Block, block.Block], error) {
	var zero tuple.Tuple3[block.Block, block.Block, block.Block]

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, err := a.current()
	if err != nil {
		return zero, err
	}

	pad := layout.Padding(prev, align)

	extra := size * Multiplier
	if extra > MaxExtra {
		extra = MaxExtra
	}

	want := size + extra
	if want < Min {
		want = Min
	}
	want += pad

	oldBrk, err := a.sbrkLocked(int(want))
	if err != nil {
		return zero, err
	}

	whole := block.New(oldBrk, want)
	aligner, rest := whole.Split(pad)
	result, excessive := rest.Split(size)

	return tuple.New3(aligner, result, excessive), nil
}

// ErrNotTop is returned by Release when b does not end at the current
// break, so releasing it would not simply move the break backward. The
// block was not released; the caller must keep it in the pool.
var ErrNotTop = fmt.Errorf("brk: block is not adjacent to the current break")

// Release gives block b back to the OS, but only if it is the current
// top of the break, i.e. releasing it would simply move the break
// backward. Any other block is not releasable this way and must stay in
// the pool; Release reports this with ErrNotTop rather than silently
// discarding b.
func (a *Arbiter) Release(b block.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.current()
	if err != nil {
		return err
	}

	if b.End() != cur {
		return ErrNotTop
	}

	got, err := a.ops.SetBreak(b.Addr)
	if err != nil {
		return fmt.Errorf("brk: release %#x:%d: %w", b.Addr, b.Size, err)
	}

	if got != b.Addr {
		return fmt.Errorf("brk: release %#x:%d: break stayed at %#x", b.Addr, b.Size, got)
	}

	a.cur = opt.Some(got)

	return nil
}
