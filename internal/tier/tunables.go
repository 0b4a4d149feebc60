package tier

// Tunables governing the two-tier global/local allocator topology. There
// is no public configuration surface for ordinary callers;
// SetLocalTunables below exists only so tests can engineer a specific
// drain trigger deterministically instead of relying on emergent
// chunk-size churn.
var (
	// osMemtrimLimit is the minimum number of bytes sitting idle in the
	// global pool before a free will even consider offering memory back
	// to the OS. Below this, freed memory stays in the pool on the
	// expectation that the process will want it again soon; only once the
	// pool is holding onto more than this does a free bother checking
	// whether its topmost entry is releasable.
	osMemtrimLimit uintptr = 200 << 20 // 200 MiB

	// osMemtrimWorthy is the minimum releasable size the global tier will
	// bother offering back to the OS on a free. Small frees accumulate in
	// the pool instead of round-tripping through brk(2) on every call.
	osMemtrimWorthy uintptr = 1 << 12 // 4 KiB

	// localMemtrimLimit is the most free-but-unreturned bytes a Local
	// allocator keeps before draining its surplus back to the Global
	// tier.
	localMemtrimLimit uintptr = 1 << 16 // 64 KiB

	// localMemtrimStop is how far a drain brings a Local allocator's free
	// bytes back down to, leaving it a working set instead of emptying
	// it completely.
	localMemtrimStop uintptr = 1 << 13 // 8 KiB

	// localChunk is the size of a single chunk a Local allocator pulls
	// from Global when its own pool can't satisfy a request.
	localChunk uintptr = 1 << 14 // 16 KiB

	// fragmentationScale is the minimum average free-block size a Local
	// allocator's pool is allowed to fall to before a drain is triggered
	// on its own, even while comfortably under localMemtrimLimit: once
	// free bytes are spread across many small blocks (poolBytes/poolLen
	// below this), most of them are too small to satisfy the next
	// request anyway, so holding onto them instead of returning them to
	// Global just fragments the process further.
	fragmentationScale uintptr = 10
)

// SetLocalTunables overrides the Local allocator's drain tunables for the
// duration of a test, returning a restore func that puts the previous
// values back. Production code never calls this; it exists so tests can
// engineer an exact drain scenario (e.g. tripping the fragmentation
// trigger without also tripping localMemtrimLimit) instead of relying on
// emergent chunk-size churn to land in the right range by chance.
func SetLocalTunables(chunk, memtrimLimit, memtrimStop, fragScale uintptr) (restore func()) {
	prevChunk, prevLimit, prevStop, prevFrag := localChunk, localMemtrimLimit, localMemtrimStop, fragmentationScale
	localChunk, localMemtrimLimit, localMemtrimStop, fragmentationScale = chunk, memtrimLimit, memtrimStop, fragScale

	return func() {
		localChunk, localMemtrimLimit, localMemtrimStop, fragmentationScale = prevChunk, prevLimit, prevStop, prevFrag
	}
}

// SetGlobalTunables overrides the global tier's OS-memtrim idle-pool
// threshold for the duration of a test, returning a restore func. Exists
// for the same reason SetLocalTunables does: osMemtrimLimit's real
// default (200 MiB) is too large for a test to cross without allocating
// and freeing an unreasonable amount of simulated memory.
func SetGlobalTunables(memtrimLimit uintptr) (restore func()) {
	prev := osMemtrimLimit
	osMemtrimLimit = memtrimLimit

	return func() {
		osMemtrimLimit = prev
	}
}
