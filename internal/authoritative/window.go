// Package authoritative implements the suppression window for optimistic
// derived views: after an optimistic write the client's local state is
// ahead of the server's, so pushed server snapshots are ignored until the
// next operation result arrives or a grace period expires.
package authoritative

import (
	"sync"
	"time"
)

// DefaultGrace is how long a view stays suppressed when no op-result
// arrives to close the window earlier.
const DefaultGrace = 2 * time.Second

// Window tracks per-key suppression deadlines. Keys are caller-defined,
// typically "<sandboxId>/<view>".
type Window struct {
	mu    sync.Mutex
	grace time.Duration
	until map[string]time.Time
	now   func() time.Time
}

// NewWindow creates a window with the given grace period; zero means
// DefaultGrace.
func NewWindow(grace time.Duration) *Window {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Window{
		grace: grace,
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// MarkOptimistic opens the suppression window for a key: the caller just
// applied an optimistic write whose echo should not be clobbered.
func (w *Window) MarkOptimistic(key string) {
	w.mu.Lock()
	w.until[key] = w.now().Add(w.grace)
	w.mu.Unlock()
}

// Expire closes the window for a key: an authoritative op-result arrived.
func (w *Window) Expire(key string) {
	w.mu.Lock()
	delete(w.until, key)
	w.mu.Unlock()
}

// Suppressed reports whether server snapshots for the key should currently
// be dropped.
func (w *Window) Suppressed(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline, ok := w.until[key]
	if !ok {
		return false
	}
	if w.now().After(deadline) {
		delete(w.until, key)
		return false
	}
	return true
}
