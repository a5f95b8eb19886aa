package node

import "sync"

// StopHooks is a stop-hook registry for ExecutionContext implementations.
// Stop runs the registered callbacks in reverse registration order, once.
type StopHooks struct {
	mu      sync.Mutex
	hooks   []func()
	stopped bool
}

// OnStop registers fn. Registering after Stop runs fn immediately.
func (h *StopHooks) OnStop(fn func()) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		fn()
		return
	}
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Stop runs the registered callbacks. Later calls are no-ops.
func (h *StopHooks) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Stopped reports whether Stop has been called.
func (h *StopHooks) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
