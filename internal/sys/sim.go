package sys

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"
)

// Sim is an in-process simulation of a process data segment, used by
// tests and by platforms where driving brk(2) from Go is unavailable or
// unsafe. It pre-reserves a real Go byte slice and hands out addresses
// inside it, so code built on top (Block.CopyTo, SecZero, ...) still
// operates on real, dereferenceable memory instead of synthetic numbers.
type Sim struct {
	finalizerDestructors

	mu   sync.Mutex
	seg  []byte
	base uintptr
	brk  uintptr
}

// NewSim reserves a simulated segment of size bytes and starts the break
// at its lowest address, mirroring a freshly-started process with an
// empty heap.
func NewSim(size int) *Sim {
	seg := make([]byte, size)
	base := uintptr(unsafe.Pointer(&seg[0]))

	return &Sim{seg: seg, base: base, brk: base}
}

// Base returns the lowest address of the simulated segment.
func (s *Sim) Base() uintptr { return s.base }

// Break returns the current simulated break.
func (s *Sim) Break() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.brk
}

// SetBreak moves the simulated break to addr, refusing moves outside the
// reserved segment the same way a real brk(2) refuses to grow the heap
// past what the kernel is willing to commit. As on Linux, addr == 0
// queries the current break without moving it.
func (s *Sim) SetBreak(addr uintptr) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr == 0 {
		return s.brk, nil
	}

	end := s.base + uintptr(len(s.seg))
	if addr < s.base || addr > end {
		return s.brk, fmt.Errorf("sys: simulated segment exhausted: requested %#x, have [%#x, %#x)", addr, s.base, end)
	}

	s.brk = addr

	return s.brk, nil
}

// Yield hands the processor to another goroutine via runtime.Gosched,
// standing in for sched_yield(2).
func (Sim) Yield() { runtime.Gosched() }

// WriteLog writes directly to fd, same as the real collaborator.
func (Sim) WriteLog(fd int, p []byte) (int, error) {
	return syscall.Write(fd, p)
}
