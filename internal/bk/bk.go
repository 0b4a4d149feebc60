// Package bk implements the Bookkeeper: the component that turns a pool
// of free blocks plus a memory source into alloc/free/realloc.
//
// A Bookkeeper owns one pool and one source. Everything it does is
// protected by a single mutex; lock-free allocation is given up
// deliberately, in exchange for invariants that are trivial to state and
// check.
package bk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/internal/debug"
	"github.com/flier/ralloc/internal/oom"
	"github.com/flier/ralloc/internal/pool"
	"github.com/flier/ralloc/internal/xsync"
	"github.com/flier/ralloc/pkg/res"
	"github.com/flier/ralloc/pkg/tuple"
	"github.com/flier/ralloc/pkg/xerrors"
)

// Source supplies a Bookkeeper with fresh memory and accepts memory back
// when a Bookkeeper is done with its topmost extent. internal/brk.Arbiter
// implements this directly against the OS program break, for a
// process-wide Bookkeeper; internal/tier implements it against a parent
// Bookkeeper instead, for a thread-local one, so the same carving logic
// serves both tiers of the allocator topology.
type Source interface {
	CanonicalBrk(size, align uintptr) (tuple.Tuple3[block.Block, block.Block, block.Block], error)
	Release(b block.Block) error
}

// ErrNoInPlace is returned by ReallocInPlace when the requested growth or
// shrink cannot be satisfied without moving the allocation. It is not a
// failure of the allocator; callers are expected to fall back to
// Realloc, which either succeeds, hands a genuine out-of-memory condition
// to the OOM handler (which does not return), or returns the source's
// error.
var ErrNoInPlace = errors.New("bk: cannot grow or shrink in place")

// Stats summarizes a Bookkeeper's bookkeeping state.
type Stats struct {
	// TotalBytes is the number of bytes currently reachable through live
	// allocations, i.e. handed out and not yet freed.
	TotalBytes uintptr
	// PoolLen is the number of disjoint free extents tracked.
	PoolLen int
	// PoolCap is the pool's backing capacity.
	PoolCap int
}

// Bookkeeper tracks free space and dispatches allocation requests against
// a memory source.
type Bookkeeper struct {
	source Source

	mu         sync.Mutex
	pool       *pool.Pool
	totalBytes uintptr

	// releaseThreshold is the minimum size of the pool's topmost entry
	// before Free bothers asking source to release it. Zero means always
	// try; internal/tier sets this to each tier's OS-memtrim-worthy
	// tunable to avoid a release round-trip for every small free.
	releaseThreshold uintptr

	// releaseLimit additionally gates the same release attempt on how
	// many bytes the pool is holding idle: Free only tries to release
	// once the pool holds more than releaseLimit bytes free. Zero
	// disables this gate (release is considered on every free, subject
	// only to releaseThreshold), which is what internal/tier's Local
	// tier wants, since its per-free release attempt is just an opportunistic
	// bonus on top of the real hysteresis-driven drain in trim/DrainTo.
	// internal/tier's Global sets this to the OS-memtrim-limit tunable:
	// a global allocator only bothers asking the OS for memory back once
	// it is actually holding onto a lot of it.
	releaseLimit uintptr

	// secure enables zero-on-free: every freed block is scrubbed before
	// it re-enters the pool, so freed data is never left readable behind
	// a dangling pointer. The zero happens before any merge, so a freed
	// range is briefly visible as all-zero under bk.mu before it
	// coalesces with its neighbors.
	secure bool

	live *xsync.UintptrMap

	// lastOp records the most recently started public operation, purely
	// to annotate a failed invariant check with what provoked it. It
	// costs nothing in release builds, where debug.Value is a zero-sized
	// type and setLastOp/check never touch it.
	lastOp debug.Value[string]
}

// setLastOp records op as the operation in progress, for check's benefit
// if an invariant trips partway through it. No-op in release builds.
func (bk *Bookkeeper) setLastOp(op string) {
	if debug.Enabled {
		*bk.lastOp.Get() = op
	}
}

// New returns a Bookkeeper with an empty pool, obtaining fresh memory
// through source as needed.
func New(source Source) *Bookkeeper {
	return &Bookkeeper{source: source, pool: pool.New(), live: xsync.NewUintptrMap()}
}

// SetReleaseThreshold configures the minimum releasable size Free will
// bother offering back to the Bookkeeper's source.
func (bk *Bookkeeper) SetReleaseThreshold(n uintptr) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.releaseThreshold = n
}

// SetReleaseLimit configures the minimum number of idle pool bytes Free
// requires before it will even consider offering its topmost entry back
// to the Bookkeeper's source. See the releaseLimit field comment.
func (bk *Bookkeeper) SetReleaseLimit(n uintptr) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.releaseLimit = n
}

// SetSecure enables or disables zero-on-free. See the secure field
// comment for the visibility trade-off.
func (bk *Bookkeeper) SetSecure(on bool) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.secure = on
}

// find locates the first pool entry that can satisfy size bytes aligned
// to align, returning its index.
func (bk *Bookkeeper) find(size, align uintptr) (int, bool) {
	return bk.pool.Search(size, align)
}

// Alloc returns size bytes aligned to align, extending the program break
// if the pool has nothing large enough.
func (bk *Bookkeeper) Alloc(size, align uintptr) (uintptr, error) {
	debug.Assert(size > 0, "alloc: zero-sized allocation")
	debug.Assert(align > 0, "alloc: alignment %d is not positive", align)

	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.setLastOp(fmt.Sprintf("alloc(size=%d, align=%d)", size, align))

	if i, ok := bk.find(size, align); ok {
		return bk.allocFrom(i, size, align), nil
	}

	return bk.allocFresh(size, align)
}

// allocFrom carves size bytes out of the pool entry at index i, returning
// whatever's left over (the unaligned head, and any aligned tail beyond
// size) to the pool.
func (bk *Bookkeeper) allocFrom(i int, size, align uintptr) uintptr {
	whole := bk.pool.Take(i)

	out := whole.Align(align)
	debug.Assert(out.IsSome(), "allocFrom: block %d no longer aligns", i)

	aligner, rest := out.Unwrap().Unpack()
	result, tail := rest.Split(size)

	bk.pool.Insert(aligner)
	bk.pool.Insert(tail)

	bk.totalBytes += size
	bk.live.Store(result.Addr, size)
	result.MarkUninitialized()
	bk.check()

	return result.Addr
}

// allocFresh extends the program break to obtain size bytes aligned to
// align, pushing any excess headroom into the pool for future requests.
//
// A genuine out-of-memory condition from source diverges through
// oom.Handle instead of being returned here: Alloc's contract is to
// either return a pointer or invoke the OOM handler, which does not
// return.
// Any other error from source (e.g. failing to query the current break)
// is returned normally, since it isn't the condition the handler exists
// for.
func (bk *Bookkeeper) allocFresh(size, align uintptr) (uintptr, error) {
	out, err := bk.source.CanonicalBrk(size, align)
	if err != nil {
		if oomErr, ok := xerrors.AsA[*oom.OutOfMemoryError](err); ok {
			oom.Handle(oomErr)
		}

		return 0, err
	}

	aligner, result, excessive := out.Unpack()

	bk.pool.Insert(aligner)
	bk.pool.Insert(excessive)

	bk.totalBytes += size
	bk.live.Store(result.Addr, size)
	result.MarkUninitialized()
	bk.check()

	return result.Addr, nil
}

// Free returns the size-byte allocation at addr to the pool.
//
// In a debug build, freeing an address the Bookkeeper never handed out,
// or has already freed, trips an assertion instead of corrupting the
// pool; in a release build this is undefined behavior, the price of
// sized deallocation with no per-block header to cross-check.
func (bk *Bookkeeper) Free(addr, size uintptr) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.setLastOp(fmt.Sprintf("free(addr=%#x, size=%d)", addr, size))

	tracked, ok := bk.live.LoadAndDelete(addr)
	debug.Assert(ok, "free: %#x was never allocated or was already freed", addr)
	debug.Assert(!ok || tracked == size, "free: %#x freed with size %d, allocated with size %d", addr, size, tracked)

	bk.free(addr, size)
}

// TryFree returns a size-byte allocation to the pool only if addr is
// currently tracked as a live allocation of exactly that size, reporting
// whether it was. Unlike Free, an unrecognized address is not a bug here
// here; it just means this Bookkeeper isn't the one that owns it, as is
// expected when a caller has to try a thread-local tier before falling
// back to the global one.
func (bk *Bookkeeper) TryFree(addr, size uintptr) bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	tracked, ok := bk.live.Load(addr)
	if !ok || tracked != size {
		return false
	}

	bk.live.Delete(addr)
	bk.free(addr, size)

	return true
}

// free performs the actual pool insertion and release bookkeeping, once
// the caller has confirmed (and removed) a matching live entry.
func (bk *Bookkeeper) free(addr, size uintptr) {
	b := block.New(addr, size)
	b.MarkFree()

	if bk.secure {
		b.SecZero()
	}

	bk.pool.Insert(b)
	bk.totalBytes -= size

	i := bk.pool.Len() - 1
	top := bk.pool.At(i)

	if top.Size >= bk.releaseThreshold && (bk.releaseLimit == 0 || bk.poolBytesLocked() > bk.releaseLimit) {
		taken := bk.pool.Take(i)
		if err := bk.source.Release(taken); err != nil {
			bk.pool.Insert(taken)
		}
	}
	bk.check()
}

// ReallocInPlace attempts to resize the addr/oldSize allocation to
// newSize without moving it. It succeeds only when newSize shrinks the
// allocation, or when the immediately following pool entry has enough
// room to absorb the growth.
//
// In a debug build, addr not being a live oldSize-byte allocation trips
// an assertion instead of corrupting the pool; in a release build this is
// undefined behavior. Use TryReallocInPlace when addr might belong to a
// different tier's Bookkeeper.
func (bk *Bookkeeper) ReallocInPlace(addr, oldSize, newSize uintptr) res.Result[uintptr] {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.setLastOp(fmt.Sprintf("reallocInPlace(addr=%#x, oldSize=%d, newSize=%d)", addr, oldSize, newSize))

	tracked, ok := bk.live.Load(addr)
	debug.Assert(ok && tracked == oldSize, "reallocInPlace: %#x:%d is not a live allocation", addr, oldSize)

	return bk.reallocInPlace(addr, oldSize, newSize)
}

// TryReallocInPlace behaves like ReallocInPlace, but first confirms addr
// is tracked as a live oldSize-byte allocation of this Bookkeeper,
// reporting owned=false instead of asserting when it isn't. Unlike
// ReallocInPlace, an unrecognized address is not a bug here; it just
// means this Bookkeeper isn't the one that owns it, the same cross-tier
// situation TryFree exists to handle.
func (bk *Bookkeeper) TryReallocInPlace(addr, oldSize, newSize uintptr) (out res.Result[uintptr], owned bool) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	tracked, ok := bk.live.Load(addr)
	if !ok || tracked != oldSize {
		return res.Result[uintptr]{}, false
	}

	bk.setLastOp(fmt.Sprintf("tryReallocInPlace(addr=%#x, oldSize=%d, newSize=%d)", addr, oldSize, newSize))

	return bk.reallocInPlace(addr, oldSize, newSize), true
}

// reallocInPlace is the shared body of ReallocInPlace and
// TryReallocInPlace, once the caller has confirmed addr/oldSize is a live
// allocation tracked by this Bookkeeper.
//
// Must be called with mu held.
func (bk *Bookkeeper) reallocInPlace(addr, oldSize, newSize uintptr) res.Result[uintptr] {
	if newSize <= oldSize {
		freed := block.New(addr+newSize, oldSize-newSize)
		if bk.secure {
			freed.SecZero()
		}
		bk.pool.Insert(freed)
		bk.totalBytes -= oldSize - newSize
		bk.live.Store(addr, newSize)

		return res.Ok(addr)
	}

	grow := newSize - oldSize
	end := addr + oldSize

	for i := 0; i < bk.pool.Len(); i++ {
		b := bk.pool.At(i)
		if b.Addr != end {
			continue
		}

		if b.Size < grow {
			return res.Err[uintptr](ErrNoInPlace)
		}

		taken := bk.pool.Take(i)
		_, remainder := taken.Split(grow)
		bk.pool.Insert(remainder)

		bk.totalBytes += grow
		bk.live.Store(addr, newSize)

		return res.Ok(addr)
	}

	return res.Err[uintptr](ErrNoInPlace)
}

// Realloc resizes the addr/oldSize allocation to newSize aligned to
// align, growing or shrinking in place when ReallocInPlace can, and
// falling back to allocate-copy-free otherwise.
func (bk *Bookkeeper) Realloc(addr, oldSize, newSize, align uintptr) (uintptr, error) {
	if out := bk.ReallocInPlace(addr, oldSize, newSize); out.IsOk() {
		return out.Unwrap(), nil
	}

	newAddr, err := bk.Alloc(newSize, align)
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}

	block.New(addr, n).CopyTo(block.New(newAddr, n)) //nolint:errcheck

	bk.Free(addr, oldSize)

	return newAddr, nil
}

// Stats reports the Bookkeeper's current bookkeeping counters.
func (bk *Bookkeeper) Stats() Stats {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	return Stats{
		TotalBytes: bk.totalBytes,
		PoolLen:    bk.pool.Len(),
		PoolCap:    cap(bk.pool.Blocks()),
	}
}

// PoolBytes returns the number of bytes currently sitting free in the
// pool, as opposed to TotalBytes which counts live allocations. A Local
// allocator uses this to decide when it's holding more idle memory than
// its drain threshold allows.
func (bk *Bookkeeper) PoolBytes() uintptr {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	return bk.poolBytesLocked()
}

// poolBytesLocked is PoolBytes's body, for call sites that already hold
// bk.mu (e.g. free's own release gate).
//
// Must be called with mu held.
func (bk *Bookkeeper) poolBytesLocked() uintptr {
	var n uintptr
	for _, b := range bk.pool.Blocks() {
		n += b.Size
	}

	return n
}

// DrainTo gives blocks back to source, highest address first, until the
// pool holds stop bytes or fewer, the pool is empty, or source refuses a
// block. It stops at the first refused block, so the entries below it are
// not offered in that call. Used by a Local allocator to return surplus
// memory to its parent Global tier.
func (bk *Bookkeeper) DrainTo(stop uintptr) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	prev := uintptr(0)

	for {
		var total uintptr
		for _, b := range bk.pool.Blocks() {
			total += b.Size
		}

		if total <= stop || bk.pool.Len() == 0 || (prev != 0 && total >= prev) {
			return
		}

		prev = total

		debug.Log(nil, "drain", "%v", debug.Dict("pool", "total", total, "stop", stop, "len", bk.pool.Len()))

		i := bk.pool.Len() - 1
		top := bk.pool.Take(i)

		if err := bk.source.Release(top); err != nil {
			bk.pool.Insert(top)
			return
		}
	}
}

// Leaked reports every allocation still outstanding, for diagnostic use
// only (e.g. at process exit). It is never called from Alloc, Free, or
// Realloc.
func (bk *Bookkeeper) Leaked() []block.Block {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	var out []block.Block

	for addr, size := range bk.live.All() {
		out = append(out, block.New(addr, size))
	}

	return out
}

// check verifies the pool's invariants, annotating a failure with the
// operation that provoked it and the stack that led here. Debug builds
// only; bk.pool.Check() itself is a no-op in release builds, so there's
// nothing to recover from there.
func (bk *Bookkeeper) check() {
	if !debug.Enabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Errorf("%v (last op: %s)\n%s", r, *bk.lastOp.Get(), debug.Stack(2)))
		}
	}()

	bk.pool.Check()
}
