package registry

import (
	"sync"

	"github.com/streamgraph/mediabroker"
)

// Global is a server-wide object advertised to clients. Its id lives in
// the server-assigned id space; a client binds it into its own connection
// id space with registry.bind, at which point Factory creates the
// per-connection resource.
type Global struct {
	ID   uint32
	Type Type
	// Factory creates the resource at the client-chosen newID when a
	// client binds this global.
	Factory func(conn *ClientConnection, newID uint32) (*Resource, error)
}

// Globals is the server's table of advertised objects, shared across
// connections. It is owned by the control thread but locked anyway so
// diagnostics can read it from elsewhere.
type Globals struct {
	mu sync.Mutex
	m  map[uint32]*Global
}

// NewGlobals returns an empty table.
func NewGlobals() *Globals {
	return &Globals{m: make(map[uint32]*Global)}
}

// Add advertises g. Re-adding an id overwrites the previous entry.
func (gs *Globals) Add(g *Global) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.m[g.ID] = g
}

// Remove withdraws id.
func (gs *Globals) Remove(id uint32) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	delete(gs.m, id)
}

// Get returns the global advertised at id.
func (gs *Globals) Get(id uint32) (*Global, bool) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.m[id]
	return g, ok
}

// Each calls fn for every advertised global, for a registry resource
// replaying the current set to a freshly bound client.
func (gs *Globals) Each(fn func(*Global)) {
	gs.mu.Lock()
	snapshot := make([]*Global, 0, len(gs.m))
	for _, g := range gs.m {
		snapshot = append(snapshot, g)
	}
	gs.mu.Unlock()
	for _, g := range snapshot {
		fn(g)
	}
}

// BindGlobal resolves id and invokes its factory to create the resource
// at newID on conn. An unknown id is ErrNotFound, reported to the client
// as a policy error by the caller.
func (gs *Globals) BindGlobal(conn *ClientConnection, id, newID uint32) (*Resource, error) {
	g, ok := gs.Get(id)
	if !ok {
		return nil, mediabroker.ErrNotFound
	}
	return g.Factory(conn, newID)
}
