// Package tls glues a Local allocator to each goroutine that allocates,
// using goroutine-local storage as the closest available analogue to OS
// thread-local storage.
package tls

import (
	"github.com/timandy/routine"

	"github.com/flier/ralloc/internal/sys"
	"github.com/flier/ralloc/internal/tier"
	"github.com/flier/ralloc/pkg/opt"
)

// cellState tracks a slot through its lifetime, guarding against the one
// reentrancy hazard a thread-exit destructor introduces: another
// destructor running during the same teardown (or, in this port, a GC
// finalizer running after the goroutine already exited) must not
// resurrect a Local that has already drained.
type cellState int32

const (
	stateUninitialized cellState = iota
	stateReady
	stateDestroyed
)

type cell struct {
	state cellState
	local *tier.Local
}

// Manager lazily creates and tears down a Local allocator per goroutine,
// layered on a single shared Global tier.
//
// Each Manager owns its own goroutine-local slot (tlsCell), rather than
// sharing one package-level slot across every Manager in the process:
// two independently constructed Managers (e.g. two pkg/ralloc.Allocators)
// running on the same goroutine must each get their own Local layered on
// their own Global, not transparently share one.
type Manager struct {
	ops       sys.Ops
	global    *tier.Global
	supported bool
	tlsCell   routine.ThreadLocal[*cell]
}

// NewManager returns a Manager backed by global, using ops to register
// the per-thread drain callback.
func NewManager(ops sys.Ops, global *tier.Global) *Manager {
	return &Manager{
		ops:       ops,
		global:    global,
		supported: ops.ThreadDestructorSupported(),
		tlsCell:   routine.NewThreadLocal[*cell](),
	}
}

// Get returns the calling goroutine's Local allocator, creating one on
// first use. It returns None when thread destructors aren't supported on
// this platform (without a destructor nothing would ever drain a Local,
// so none is handed out), or when the calling thread's cell has already
// been destroyed.
func (m *Manager) Get() opt.Option[*tier.Local] {
	if !m.supported {
		return opt.None[*tier.Local]()
	}

	c := m.tlsCell.Get()
	if c == nil {
		c = &cell{state: stateUninitialized}
		m.tlsCell.Set(c)
	}

	switch c.state {
	case stateDestroyed:
		return opt.None[*tier.Local]()
	case stateUninitialized:
		c.local = tier.NewLocal(m.global)
		c.state = stateReady

		_ = m.ops.RegisterThreadDestructor(c, func(obj any) {
			cc := obj.(*cell)
			// Destroyed is set before the drain starts: anything else that
			// runs during teardown and asks for the local allocator must
			// see None and fall through to the global tier, never a Local
			// mid-drain.
			cc.state = stateDestroyed
			cc.local.Drain()
		})
	}

	return opt.Some(c.local)
}
