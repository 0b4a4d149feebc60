// Package oom implements the allocator's out-of-memory policy: a global
// handler with an optional per-thread override, checked first. A handler
// is expected to diverge rather than return.
package oom

import (
	"fmt"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/flier/ralloc/pkg/opt"
)

// OutOfMemoryError reports that the OS refused to extend the program
// break far enough to satisfy a request.
type OutOfMemoryError struct {
	Requested uintptr
	Cause     error
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("oom: failed to obtain %d bytes: %v", e.Requested, e.Cause)
}

func (e *OutOfMemoryError) Unwrap() error { return e.Cause }

// Handler responds to an out-of-memory condition. A well-behaved handler
// never returns (it aborts the process, unwinds via panic, or otherwise
// diverges); Handle treats a returning handler as a bug and panics on its
// behalf so an allocation call site is never left pretending to have
// gotten memory it didn't.
type Handler func(*OutOfMemoryError)

// Abort is the default handler: it panics with the error, since Go has no
// direct analogue of the C runtime's abort() that a library is expected
// to call on its own initiative.
func Abort(err *OutOfMemoryError) {
	panic(err)
}

var global atomic.Pointer[Handler]

func init() {
	var h Handler = Abort
	global.Store(&h)
}

// SetGlobalHandler installs h as the process-wide OOM handler, replacing
// whatever was set before. A nil h restores Abort.
func SetGlobalHandler(h Handler) {
	if h == nil {
		h = Abort
	}

	global.Store(&h)
}

var thread = routine.NewThreadLocal[opt.Option[Handler]]()

// SetThreadHandler installs h as the calling thread's OOM handler,
// overriding the global one for this thread only. It returns a function
// that restores the previous thread-local state, for scoped use with
// defer.
func SetThreadHandler(h Handler) (restore func()) {
	prev := thread.Get()
	thread.Set(opt.Some(h))

	return func() { thread.Set(prev) }
}

// ClearThreadHandler removes any thread-local override, falling back to
// the global handler.
func ClearThreadHandler() {
	thread.Set(opt.None[Handler]())
}

// Handle dispatches err to the calling thread's handler if one is set,
// otherwise to the global handler.
func Handle(err *OutOfMemoryError) {
	if h := thread.Get(); h.IsSome() {
		h.Unwrap()(err)
	} else {
		(*global.Load())(err)
	}

	panic(fmt.Errorf("oom: handler for %w returned instead of diverging", err))
}
