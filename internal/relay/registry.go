package relay

// Registry maps live connections to their announced identities and keeps
// them in insertion order. It is not safe for concurrent use on its own;
// Engine guards it together with the block graph.
type Registry struct {
	byID  map[string]int // connID -> index into order
	order []Identity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Announce inserts or replaces the identity for id.ConnID. A re-announce
// keeps the connection's original position in the snapshot order.
func (r *Registry) Announce(id Identity) {
	if i, ok := r.byID[id.ConnID]; ok {
		r.order[i] = id
		return
	}
	r.byID[id.ConnID] = len(r.order)
	r.order = append(r.order, id)
}

// Remove deletes the identity for connID. It returns false if there was
// nothing to remove.
func (r *Registry) Remove(connID string) bool {
	i, ok := r.byID[connID]
	if !ok {
		return false
	}
	delete(r.byID, connID)
	r.order = append(r.order[:i], r.order[i+1:]...)
	for j := i; j < len(r.order); j++ {
		r.byID[r.order[j].ConnID] = j
	}
	return true
}

// Resolve returns the identity announced on connID.
func (r *Registry) Resolve(connID string) (Identity, bool) {
	i, ok := r.byID[connID]
	if !ok {
		return Identity{}, false
	}
	return r.order[i], true
}

// Snapshot returns a copy of all identities in insertion order.
func (r *Registry) Snapshot() []Identity {
	out := make([]Identity, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of identified connections.
func (r *Registry) Len() int {
	return len(r.order)
}
