//go:build linux

package sys

import (
	"fmt"
	"syscall"
)

// Linux drives the program break and scheduler directly through the
// kernel, bypassing Go's own memory manager entirely. This is the
// collaborator a production build links against; it exists alongside Sim
// because driving brk(2) underneath a runtime that itself uses mmap for
// its heap is inherently platform-specific and not something the rest of
// the allocator core should need to know about.
type Linux struct {
	finalizerDestructors
}

// SetBreak moves the break with the brk(2) syscall. Linux's brk always
// succeeds at lowering or raising within the kernel's own bookkeeping
// limits and signals failure by simply not moving, so the result is read
// back and compared against what was asked for; a nonzero errno never
// happens on a plain refusal.
func (Linux) SetBreak(addr uintptr) (uintptr, error) {
	got, _, errno := syscall.Syscall(syscall.SYS_BRK, addr, 0, 0)
	if errno != 0 {
		return uintptr(got), fmt.Errorf("sys: brk(%#x): %w", addr, errno)
	}

	if addr != 0 && uintptr(got) != addr {
		return uintptr(got), fmt.Errorf("sys: brk(%#x): kernel kept the break at %#x", addr, uintptr(got))
	}

	return uintptr(got), nil
}

// Yield relinquishes the current thread's remaining timeslice via
// sched_yield(2).
func (Linux) Yield() {
	_, _, _ = syscall.Syscall(syscall.SYS_SCHED_YIELD, 0, 0, 0)
}

// WriteLog writes directly to fd with write(2), so debug logging never
// allocates or touches buffered stdio.
func (Linux) WriteLog(fd int, p []byte) (int, error) {
	return syscall.Write(fd, p)
}
