package endpoint

import "sync"

// Registry is the set of live handlers.  The accept loop adds, handlers
// remove themselves on exit, and shutdown closes whatever is left; all
// three may run concurrently.
type Registry struct {
	mu       sync.Mutex
	handlers map[uint64]*Handler
	nextID   uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint64]*Handler)}
}

// Add registers h and assigns its connection id.  Ids start at 1 and
// are never reused.
func (r *Registry) Add(h *Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h.id = r.nextID
	r.handlers[h.id] = h
	return h.id
}

// Remove deregisters h.  Removing an absent handler is a no-op.
func (r *Registry) Remove(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handlers[h.id]; ok && cur == h {
		delete(r.handlers, h.id)
	}
}

// CloseAll asks every registered handler to close.  Close is called
// outside the lock so handlers can deregister while the broadcast runs.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	for _, h := range snapshot {
		h.Close() //nolint:errcheck
	}
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}
