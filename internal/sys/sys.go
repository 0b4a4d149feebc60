// Package sys collects the operating-system collaborators an allocator
// needs but does not itself implement: moving the program break, yielding
// the processor on lock contention, emitting diagnostic writes, and
// registering a per-thread destructor for draining local allocators.
//
// These are "external interfaces" in the sense that a userspace allocator
// consumes them rather than owns them: the real kernel syscalls on one
// side, a deterministic in-process simulation on the other, so the rest of
// the module never has to know which one it's talking to.
package sys

// Ops is the set of OS services an allocator needs.
type Ops interface {
	// SetBreak moves the program break to addr and returns the break in
	// effect afterward: either addr on success, or the prior break if the
	// kernel refused the move. addr == 0 queries the current break
	// without moving it, the same convention brk(2) follows on Linux.
	SetBreak(addr uintptr) (uintptr, error)

	// Yield gives up the remainder of the current thread's timeslice.
	// Called between retries while spinning on the break-arbiter lock.
	Yield()

	// WriteLog writes p to the given file descriptor, for debug logging
	// that must not allocate.
	WriteLog(fd int, p []byte) (int, error)

	// RegisterThreadDestructor arranges for fn(obj) to run when the
	// calling thread exits, draining that thread's local allocator. obj
	// must be passed through as its concrete pointer type (boxed in any),
	// never pre-converted to unsafe.Pointer: implementations built on
	// runtime.SetFinalizer require obj's reflect kind to be Ptr, which
	// unsafe.Pointer's distinct UnsafePointer kind does not satisfy.
	RegisterThreadDestructor(obj any, fn func(any)) error

	// ThreadDestructorSupported reports whether RegisterThreadDestructor
	// can actually be honored on this platform. When false, callers must
	// not hand out thread-local allocators, since nothing would ever
	// drain them.
	ThreadDestructorSupported() bool
}
