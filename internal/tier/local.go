package tier

import (
	"errors"
	"sync"

	"github.com/flier/ralloc/internal/bk"
	"github.com/flier/ralloc/internal/block"
	"github.com/flier/ralloc/pkg/tuple"
)

// errNotAChunk is returned by localSource.Release when asked to give
// back something that isn't exactly one of the chunks it originally
// pulled from Global. Global's own bookkeeper only recognizes addresses
// it handed out at their original size, so a Local can only ever release
// a chunk back whole, never a sub-range produced by splitting or
// merging it with a neighbor.
var errNotAChunk = errors.New("tier: release does not match an outstanding chunk")

// localSource pulls chunks of at least localChunk bytes (or of exactly the
// request's size, when that is larger) from a Global allocator instead of
// the OS, and hands whole chunks back the same way. It tracks which
// addresses correspond to an original, still-outstanding chunk so it
// never attempts a release Global's own live-tracking would reject.
type localSource struct {
	global *Global

	mu     sync.Mutex
	chunks map[uintptr]uintptr // addr -> original chunk size
}

func newLocalSource(global *Global) *localSource {
	return &localSource{global: global, chunks: make(map[uintptr]uintptr)}
}

// CanonicalBrk asks the parent Global tier for at least localChunk
// bytes, amortizing Global's own lock and bookkeeping over many local
// allocations, then carves size bytes off the front.
func (s *localSource) CanonicalBrk(size, align uintptr) (tuple.Tuple3[block.Block, block.Block, block.Block], error) {
	var zero tuple.Tuple3[block.Block, block.Block, block.Block]

	want := localChunk
	if size > want {
		want = size
	}

	addr, err := s.global.Alloc(want, align)
	if err != nil {
		return zero, err
	}

	s.mu.Lock()
	s.chunks[addr] = want
	s.mu.Unlock()

	whole := block.New(addr, want)
	result, excessive := whole.Split(size)

	return tuple.New3(whole.EmptyLeft(), result, excessive), nil
}

// Release gives b back to Global, but only when it is exactly one whole
// outstanding chunk; anything else is left for the Local allocator to
// keep in its own pool.
func (s *localSource) Release(b block.Block) error {
	s.mu.Lock()
	size, ok := s.chunks[b.Addr]
	s.mu.Unlock()

	if !ok || size != b.Size {
		return errNotAChunk
	}

	if !s.global.TryFree(b.Addr, b.Size) {
		return errNotAChunk
	}

	s.mu.Lock()
	delete(s.chunks, b.Addr)
	s.mu.Unlock()

	return nil
}

// Local is a thread-bound allocator that serves small allocations out of
// its own pool, drawing chunks from a Global tier instead of locking it
// on every call. It is not itself safe for concurrent use; exactly one
// goroutine is meant to own a Local at a time, via internal/tls.
type Local struct {
	book *bk.Bookkeeper
}

// NewLocal returns a Local allocator layered on top of global,
// inheriting global's zero-on-free setting as of this call.
func NewLocal(global *Global) *Local {
	book := bk.New(newLocalSource(global))
	book.SetReleaseThreshold(localMemtrimStop)
	book.SetSecure(global.ZeroOnFree())

	return &Local{book: book}
}

// Alloc returns size bytes aligned to align, drawing a fresh chunk from
// the parent Global tier if the local pool can't satisfy it.
func (l *Local) Alloc(size, align uintptr) (uintptr, error) {
	addr, err := l.book.Alloc(size, align)
	if err != nil {
		return 0, err
	}

	l.trim()

	return addr, nil
}

// TryFree returns a size-byte allocation to the local pool if this Local
// itself handed addr out, draining surplus back to Global once the local
// pool grows past localMemtrimLimit. Reports whether addr was recognized.
func (l *Local) TryFree(addr, size uintptr) bool {
	if !l.book.TryFree(addr, size) {
		return false
	}

	l.trim()

	return true
}

// Realloc resizes the addr/oldSize allocation to newSize aligned to
// align.
func (l *Local) Realloc(addr, oldSize, newSize, align uintptr) (uintptr, error) {
	out, err := l.book.Realloc(addr, oldSize, newSize, align)
	if err != nil {
		return 0, err
	}

	l.trim()

	return out, nil
}

// ReallocInPlace attempts to resize without moving the allocation,
// reporting false both when this Local doesn't recognize addr as its own
// live allocation and when it does but can't grow or shrink it in place.
func (l *Local) ReallocInPlace(addr, oldSize, newSize uintptr) (uintptr, bool) {
	out, owned := l.book.TryReallocInPlace(addr, oldSize, newSize)
	return out.UnwrapOrDefault(), owned && out.IsOk()
}

// trim drains the local pool back to localMemtrimStop once either: it
// holds more free bytes than localMemtrimLimit, or its free bytes are
// fragmented across enough small blocks that the average free-block size
// (poolBytes/poolLen) has dropped below fragmentationScale. A burst of
// frees on one thread shouldn't pin memory the rest of the process could
// use, whether that memory is one big idle chunk or many small ones.
func (l *Local) trim() {
	poolBytes := l.book.PoolBytes()
	poolLen := l.book.Stats().PoolLen

	fragmented := poolLen > 0 && poolBytes < fragmentationScale*uintptr(poolLen)

	if fragmented || poolBytes > localMemtrimLimit {
		l.book.DrainTo(localMemtrimStop)
	}
}

// Drain offers the local pool's free blocks back to Global, highest
// address first, via DrainTo(0). Global only takes a block that is exactly
// one whole, still-outstanding chunk; the drain stops at the first block
// that is not, and every block below it stays in the Local's pool. Called
// when a thread that owns a Local allocator exits, via internal/tls's
// finalizer-based destructor.
func (l *Local) Drain() {
	l.book.DrainTo(0)
}

// Stats reports the local tier's bookkeeping counters.
func (l *Local) Stats() bk.Stats { return l.book.Stats() }
