package sandboxmgr

import "sync/atomic"

// Handle is a replaceable reference to the live manager. When settings
// change (notably provider credentials) the process swaps the manager for a
// fresh one; consumers that cached a *Manager compare Generation against
// the handle's current manager to detect the swap and re-attach listeners.
//
// A nil current manager means the provider is unconfigured; callers surface
// "Sandbox manager not available" instead of dialing.
type Handle struct {
	current atomic.Pointer[Manager]
}

// NewHandle creates a handle, optionally seeded with an initial manager.
func NewHandle(m *Manager) *Handle {
	h := &Handle{}
	if m != nil {
		h.current.Store(m)
	}
	return h
}

// Get returns the live manager, or nil when none is configured.
func (h *Handle) Get() *Manager {
	return h.current.Load()
}

// Replace installs a new manager and closes the previous one. Passing nil
// deconfigures the handle.
func (h *Handle) Replace(m *Manager) {
	var old *Manager
	if m == nil {
		old = h.current.Swap(nil)
	} else {
		old = h.current.Swap(m)
	}
	if old != nil {
		old.Close()
	}
}
