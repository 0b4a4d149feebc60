package sys

import "runtime"

// finalizerDestructors implements the RegisterThreadDestructor /
// ThreadDestructorSupported half of Ops the same way on every platform.
//
// Go exposes no portable hook for "this OS thread is exiting" to user
// code; goroutines migrate between threads and routine's thread-local
// storage is keyed off the goroutine, not the thread, so there is nothing
// for a syscall-level implementation to register with. The closest
// honest substitute is a GC finalizer on the value held in thread-local
// storage: once the goroutine that owns it drops the last reference
// (which happens no later than the goroutine exiting, since nothing else
// can reach a thread-local slot), the finalizer runs and drains the
// local allocator back to the global one. It is best-effort and
// GC-timed rather than deterministic, which is why this is called out in
// the design notes rather than presented as a perfect substitute.
type finalizerDestructors struct{}

func (finalizerDestructors) RegisterThreadDestructor(obj any, fn func(any)) error {
	runtime.SetFinalizer(obj, fn)
	return nil
}

func (finalizerDestructors) ThreadDestructorSupported() bool { return true }
