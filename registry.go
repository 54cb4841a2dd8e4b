package oob

// registry maps identities to peers. Owned by the event loop, so a plain
// map is enough. Peers are kept until shutdown.
type registry struct {
	peers      map[Identity]*peer
	maxRetries int
}

func newRegistry(maxRetries int) *registry {
	return &registry{peers: make(map[Identity]*peer), maxRetries: maxRetries}
}

func (r *registry) Lookup(id Identity) *peer {
	return r.peers[id]
}

func (r *registry) GetOrCreate(id Identity) *peer {
	if p, ok := r.peers[id]; ok {
		return p
	}
	p := newPeer(id, r.maxRetries)
	r.peers[id] = p
	return p
}

func (r *registry) ForEach(fn func(*peer)) {
	for _, p := range r.peers {
		fn(p)
	}
}

func (r *registry) Len() int { return len(r.peers) }
