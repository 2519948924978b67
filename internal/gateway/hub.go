package gateway

import "sync"

// Hub tracks transactions waiting for a webhook callback, keyed by reference
type Hub struct {
	mu      sync.Mutex
	pending map[string]Callback
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{pending: make(map[string]Callback)}
}

// Register parks cb until Resolve is called with the same reference. A newer
// registration for a reference replaces the older one.
func (h *Hub) Register(reference string, cb Callback) {
	h.mu.Lock()
	h.pending[reference] = cb
	h.mu.Unlock()
}

// Forget drops a registration without resolving it
func (h *Hub) Forget(reference string) {
	h.mu.Lock()
	delete(h.pending, reference)
	h.mu.Unlock()
}

// Resolve delivers the result to the waiting callback. It reports false when
// nothing is waiting for the reference.
func (h *Hub) Resolve(reference string, r Result) bool {
	h.mu.Lock()
	cb, ok := h.pending[reference]
	delete(h.pending, reference)
	h.mu.Unlock()

	if !ok {
		return false
	}
	cb(r)
	return true
}

// Pending returns the number of parked callbacks
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
