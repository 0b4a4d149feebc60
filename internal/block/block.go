// Package block defines the Block value type: a (address, size) pair
// describing a contiguous, unaliased extent of process address space.
//
// Blocks are the unit of currency passed between the pool, the bookkeeper,
// and the program-break arbiter. A Block never owns any Go memory: addr is
// a raw machine address, handed out by the operating system (or, in tests,
// by a simulated data segment) and tracked entirely out-of-band from the Go
// garbage collector.
package block

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/flier/ralloc/internal/debug"
	"github.com/flier/ralloc/pkg/opt"
	"github.com/flier/ralloc/pkg/res"
	"github.com/flier/ralloc/pkg/tuple"
	"github.com/flier/ralloc/pkg/xunsafe/layout"
)

// ErrTooSmall is returned by CopyTo when the destination block cannot hold
// the source block's bytes.
var ErrTooSmall = errors.New("block: destination too small")

// ErrNotAdjacent is returned by MergeRight when the receiver does not
// immediately precede the other block in address space.
var ErrNotAdjacent = errors.New("block: blocks are not adjacent")

// Block is a contiguous range of addresses [Addr, Addr+Size).
//
// A Block with Size == 0 is empty; its Addr still carries meaning, as it
// marks the position at which the next non-empty block (if any) begins,
// which is what lets the pool keep empty slots sorted alongside live ones.
type Block struct {
	Addr uintptr
	Size uintptr
}

// New returns the block [addr, addr+size).
func New(addr, size uintptr) Block { return Block{Addr: addr, Size: size} }

// Empty reports whether b has zero size.
func (b Block) Empty() bool { return b.Size == 0 }

// End returns the address one past the last byte of b.
func (b Block) End() uintptr { return b.Addr + b.Size }

// Format implements fmt.Formatter, printing b as "[addr:size)". The
// message is only built lazily, when something actually formats b, via the
// same delayed-Fprintf trick internal/debug provides for any type that
// wants a cheap String/Format without paying for it on every log call
// that never fires.
func (b Block) Format(s fmt.State, verb rune) {
	debug.Fprintf("[%#x:%d)", b.Addr, b.Size).Format(s, verb)
}

// Less reports whether b sorts strictly before other by address.
func (b Block) Less(other Block) bool { return b.Addr < other.Addr }

// LeftTo reports whether b immediately precedes other in address space,
// i.e. b.End() == other.Addr. Two such blocks are merge candidates.
func (b Block) LeftTo(other Block) bool { return b.End() == other.Addr }

// Split divides b at pos, returning the left part [Addr, Addr+pos) and the
// right part [Addr+pos, Addr+Size).
//
// Requires pos <= b.Size; this is a programming invariant, not a runtime
// condition, and is enforced with an assertion that aborts in debug builds.
func (b Block) Split(pos uintptr) (left, right Block) {
	debug.Assert(pos <= b.Size, "split position %d exceeds block size %d", pos, b.Size)

	return Block{b.Addr, pos}, Block{b.Addr + pos, b.Size - pos}
}

// Align computes the padding needed to align b.Addr to a, then splits b
// into (aligner, rest) where rest.Addr is a multiple of a.
//
// Returns None if the aligner would consume the entire block, i.e. no
// aligned, non-empty remainder exists.
func (b Block) Align(a uintptr) opt.Option[tuple.Tuple2[Block, Block]] {
	debug.Assert(a > 0, "alignment must be positive")

	pad := layout.Padding(b.Addr, a)
	if pad >= b.Size {
		return opt.None[tuple.Tuple2[Block, Block]]()
	}

	aligner, rest := b.Split(pad)

	return opt.Some(tuple.New2(aligner, rest))
}

// EmptyLeft returns a zero-sized block positioned at b.Addr.
func (b Block) EmptyLeft() Block { return Block{Addr: b.Addr} }

// EmptyRight returns a zero-sized block positioned at b.End().
func (b Block) EmptyRight() Block { return Block{Addr: b.End()} }

// MergeRight absorbs other into b, provided they are adjacent or other is
// empty.
//
// If other is empty, MergeRight succeeds unconditionally and returns b
// unchanged (merging in nothing is always legal). Otherwise it succeeds
// only if b.LeftTo(other); on success the returned block's size is the sum
// of both, and other should be treated as consumed by the caller.
func (b Block) MergeRight(other Block) res.Result[Block] {
	if other.Empty() {
		return res.Ok(b)
	}

	if !b.LeftTo(other) {
		return res.Err[Block](ErrNotAdjacent)
	}

	return res.Ok(Block{b.Addr, b.Size + other.Size})
}

// Pop atomically replaces *b with an empty block at the same address and
// returns the previous value.
//
// Popping in place leaves a zero-sized block at the same address, so no
// neighbor has to shift. The pool does not use it: Pool.Take removes an
// entry by shifting the ones after it.
func (b *Block) Pop() Block {
	old := *b
	*b = old.EmptyLeft()

	return old
}

// CopyTo copies b's bytes into dest, which must be at least as large as b.
func (b Block) CopyTo(dest Block) error {
	if dest.Size < b.Size {
		return ErrTooSmall
	}

	if b.Size == 0 {
		return nil
	}

	src := unsafe.Slice((*byte)(unsafe.Pointer(b.Addr)), b.Size)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(dest.Addr)), b.Size)
	copy(dst, src)

	return nil
}

// SecZero overwrites b's bytes with zero. It is only called when
// zero-on-free is enabled (see Bookkeeper.SetSecure); the call site
// decides whether to invoke it, so a disabled allocator pays nothing for
// it.
func (b Block) SecZero() {
	if b.Size == 0 {
		return
	}

	p := unsafe.Slice((*byte)(unsafe.Pointer(b.Addr)), b.Size)
	clear(p)
}

// MarkFree notifies an external debugger (e.g. via a memory-checker hook)
// that b has been returned to the pool. No-op unless built with the debug
// tag.
func (b Block) MarkFree() {
	debug.Log(nil, "mark-free", "%#x:%d", b.Addr, b.Size)
}

// canaryByte fills freshly-handed-out blocks in debug builds. A fixed
// repeating pattern is enough to surface use-before-init bugs (reading
// it back where zero or a stable value was expected) while keeping debug
// builds deterministic for tests.
const canaryByte = 0xAA

// MarkUninitialized notifies an external debugger that b has just been
// handed out and its contents are unspecified, and in debug builds fills
// b with canaryByte so that reading it before writing is observable
// instead of silently returning zeroed or stale memory. No-op beyond the
// debugger notification unless built with the debug tag.
func (b Block) MarkUninitialized() {
	debug.Log(nil, "mark-uninit", "%#x:%d", b.Addr, b.Size)

	if debug.Enabled && b.Size > 0 {
		p := unsafe.Slice((*byte)(unsafe.Pointer(b.Addr)), b.Size)
		for i := range p {
			p[i] = canaryByte
		}
	}
}
