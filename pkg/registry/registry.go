// Package registry implements the per-connection mapping from a 32-bit
// object id to a typed server-side object and its dispatch table. Ids
// are client-assigned for objects the client creates and server-assigned
// for globals; a collision is a protocol error.
package registry

import (
	"log/slog"
	"sync"

	"github.com/streamgraph/mediabroker"
	"github.com/streamgraph/mediabroker/pkg/transport"
)

// Type is the closed set of server-side object kinds.
type Type uint8

const (
	TypeCore Type = iota
	TypeRegistry
	TypeModule
	TypeNode
	TypeClient
	TypeClientNode
	TypeLink
)

func (t Type) String() string {
	switch t {
	case TypeCore:
		return "Core"
	case TypeRegistry:
		return "Registry"
	case TypeModule:
		return "Module"
	case TypeNode:
		return "Node"
	case TypeClient:
		return "Client"
	case TypeClientNode:
		return "ClientNode"
	case TypeLink:
		return "Link"
	default:
		return "Unknown"
	}
}

// Dispatcher is the per-resource demarshaller table: it decodes and acts
// on one inbound request. A false/error return is promoted to PROTOCOL by
// the caller.
type Dispatcher interface {
	Dispatch(opcode uint32, payload []byte, resolveFD func(int) (int, error)) error
}

// Resource binds an id to a type, a behavior object, and the dispatcher
// that demarshals requests addressed to it.
type Resource struct {
	ID         uint32
	Type       Type
	Object     any
	Dispatcher Dispatcher
	Conn       *ClientConnection
}

// ClientConnection owns one connection's id table, write-scratch buffer
// (via its Transport), and the resources bound into that table. All ids
// on a connection are released atomically when it closes.
type ClientConnection struct {
	mu        sync.Mutex
	table     map[uint32]*Resource
	Transport *transport.Conn
	logger    *slog.Logger
}

// NewClientConnection wraps t with an empty id table.
func NewClientConnection(t *transport.Conn, logger *slog.Logger) *ClientConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientConnection{
		table:     make(map[uint32]*Resource),
		Transport: t,
		logger:    logger,
	}
}

// Bind registers r at r.ID. It is a protocol error to bind an id already
// present in the table.
func (c *ClientConnection) Bind(r *Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.table[r.ID]; exists {
		return mediabroker.NewProtocolError("registry.Bind", mediabroker.ErrIdConflict)
	}
	r.Conn = c
	c.table[r.ID] = r
	return nil
}

// Lookup returns the resource bound to id, if any.
func (c *ClientConnection) Lookup(id uint32) (*Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.table[id]
	return r, ok
}

// Release removes id from the table. It is a no-op if id is not present,
// matching "destroyed on explicit request" semantics where the request
// may race a connection close.
func (c *ClientConnection) Release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, id)
}

// Resources returns a snapshot of every bound resource, used by Close to
// release them atomically and by diagnostics.
func (c *ClientConnection) Resources() []*Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Resource, 0, len(c.table))
	for _, r := range c.table {
		out = append(out, r)
	}
	return out
}

// Close releases every id on the connection and closes the transport.
// This happens atomically from the caller's point of view: no partial
// release is observable once Close returns.
func (c *ClientConnection) Close() error {
	c.mu.Lock()
	c.table = make(map[uint32]*Resource)
	c.mu.Unlock()
	return c.Transport.Close()
}

// Dispatch looks up the message's destination and invokes its
// Dispatcher. An unknown id is a protocol error, as is an opcode outside
// the resource's table (raised by the Dispatcher bounds-checking its own
// opcode range).
func Dispatch(conn *ClientConnection, destID, opcode uint32, payload []byte, resolveFD func(int) (int, error)) error {
	res, ok := conn.Lookup(destID)
	if !ok {
		return mediabroker.NewProtocolError("registry.Dispatch", mediabroker.ErrNotFound)
	}
	if err := res.Dispatcher.Dispatch(opcode, payload, resolveFD); err != nil {
		return mediabroker.NewProtocolError("registry.Dispatch", err)
	}
	return nil
}
