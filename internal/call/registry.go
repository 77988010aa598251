package call

import "sync"

// Registry is the process-wide mapping from channel id to active call. It is
// the only structure shared across calls; every call's own state is private
// to that call. Mutation happens solely from the component driving call
// lifecycle (registration on call start, removal on call end).
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Register stores c under its channel id, replacing any previous entry.
func (r *Registry) Register(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ChannelID()] = c
}

// Lookup returns the call for channelID, if registered.
func (r *Registry) Lookup(channelID string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[channelID]
	return c, ok
}

// Remove deletes the entry for channelID and reports whether it existed.
func (r *Registry) Remove(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[channelID]
	delete(r.calls, channelID)
	return ok
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Each calls fn for every registered call. The registry lock is held for the
// duration; fn must not call back into the registry.
func (r *Registry) Each(fn func(*Call)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.calls {
		fn(c)
	}
}
