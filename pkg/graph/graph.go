// Package graph models the directed processing graph the scheduler
// (pkg/scheduler) drives: nodes with input/output ports, edges connecting
// an output port of one node to an input port of another, and the
// per-edge status cells both endpoints observe.
//
// Graph and Node mutation is not internally synchronized: all queue
// manipulation, state transitions, and callback invocation happen on a
// single cooperative data thread, so a Graph's caller is expected to
// serialize access onto that one goroutine rather than pay for locks
// nothing contends on.
package graph

import (
	"fmt"

	"github.com/streamgraph/mediabroker"
)

// Direction is a port's data-flow direction.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	if d == DirectionOutput {
		return "OUTPUT"
	}
	return "INPUT"
}

// Status is a status cell's readiness value.
type Status uint8

const (
	StatusOK Status = iota
	StatusNeedBuffer
	StatusHaveBuffer
	StatusError
)

// State is a node's position in the scheduler's four-state pumping
// process.
type State uint8

const (
	StateIn State = iota
	StateOut
	StateCheckIn
	StateCheckOut
)

func (s State) String() string {
	switch s {
	case StateIn:
		return "IN"
	case StateOut:
		return "OUT"
	case StateCheckIn:
		return "CHECK_IN"
	case StateCheckOut:
		return "CHECK_OUT"
	default:
		return "UNKNOWN"
	}
}

// Transition is a process_input/process_output callback's return value,
// mapped by the scheduler to the node's next state.
type Transition uint8

const (
	TransitionOK Transition = iota
	TransitionNeedBuffer
	TransitionHaveBuffer
	TransitionError
)

// Callbacks are a node's behavior: the two pumping entry points the
// scheduler calls. Neither may block; they return a Transition promptly.
type Callbacks struct {
	ProcessInput  func(n *Node) Transition
	ProcessOutput func(n *Node) Transition
}

// StatusCell is the small shared record one edge's two peer ports
// observe. For a ClientNode-backed port it lives in real shared memory
// between server and client; in-process it is just a struct field,
// written by one endpoint and read by both.
type StatusCell struct {
	Status   Status
	BufferID uint32
}

// NodeID and PortID are the small-integer handles graph entities are
// addressed by.
type NodeID uint32
type PortID uint32

// Port is an attachment point on a Node.
type Port struct {
	ID        PortID
	Node      *Node
	Direction Direction
	Peer      *Port
	Cell      *StatusCell
}

// Node is a processing element with input and output ports and a pair of
// process callbacks.
type Node struct {
	ID      NodeID
	Inputs  []*Port
	Outputs []*Port

	Callbacks Callbacks

	// State, RequiredIn, and ReadyIn are part of the scheduler's state
	// machine; they are node attributes, but only the scheduler package
	// mutates them during a pump.
	State      State
	RequiredIn uint32
	ReadyIn    uint32

	// Async marks a cycle-breaking node: the scheduler may pre-empt the
	// sink rule and schedule it anyway across a feedback edge.
	Async bool

	graph *Graph
}

// Graph owns a set of nodes; nodes own their ports; an edge is the pair
// of peer ports sharing one status cell.
type Graph struct {
	nodes      map[NodeID]*Node
	nextNodeID NodeID
	nextPortID PortID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*Node)}
}

// AddNode creates a node with the given callbacks and registers it.
func (g *Graph) AddNode(cb Callbacks) *Node {
	g.nextNodeID++
	n := &Node{ID: g.nextNodeID, Callbacks: cb, graph: g}
	g.nodes[n.ID] = n
	return n
}

// RemoveNode removes n from the graph. It fails with ErrBusy if n still
// has any linked port; edges connected to a node must be unlinked first.
func (g *Graph) RemoveNode(n *Node) error {
	for _, p := range append(append([]*Port{}, n.Inputs...), n.Outputs...) {
		if p.Peer != nil {
			return mediabroker.ErrBusy
		}
	}
	delete(g.nodes, n.ID)
	return nil
}

// Node looks up a node by id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// AddPort adds a port of the given direction to n.
func (n *Node) AddPort(dir Direction) *Port {
	n.graph.nextPortID++
	p := &Port{ID: n.graph.nextPortID, Node: n, Direction: dir}
	if dir == DirectionInput {
		n.Inputs = append(n.Inputs, p)
	} else {
		n.Outputs = append(n.Outputs, p)
	}
	return p
}

// RemovePort removes p from its node. It fails with ErrBusy if p still
// has a peer.
func (g *Graph) RemovePort(p *Port) error {
	if p.Peer != nil {
		return mediabroker.ErrBusy
	}
	n := p.Node
	ports := n.Inputs
	if p.Direction == DirectionOutput {
		ports = n.Outputs
	}
	for i, existing := range ports {
		if existing == p {
			ports = append(ports[:i], ports[i+1:]...)
			break
		}
	}
	if p.Direction == DirectionInput {
		n.Inputs = ports
	} else {
		n.Outputs = ports
	}
	return nil
}

// Link connects out (an OUTPUT port) to in (an INPUT port): it sets their
// peers, allocates the shared status cell, and bumps the input port's
// node's RequiredIn, so a linked input counts toward the firing threshold
// by default. It rejects mismatched directions, already-linked ports, and
// linking two non-ASYNC nodes into a cycle.
func (g *Graph) Link(out, in *Port) error {
	if out.Direction != DirectionOutput || in.Direction != DirectionInput {
		return mediabroker.ErrPortDirectionMismatch
	}
	if out.Peer != nil || in.Peer != nil {
		return mediabroker.ErrPortAlreadyLinked
	}
	if g.wouldCloseCycle(out, in) && !out.Node.Async && !in.Node.Async {
		return mediabroker.ErrCycleRequiresAsync
	}
	cell := &StatusCell{Status: StatusOK}
	out.Peer = in
	in.Peer = out
	out.Cell = cell
	in.Cell = cell
	in.Node.RequiredIn++
	return nil
}

// wouldCloseCycle reports whether linking out->in would create a path
// back from in.Node to out.Node over existing edges.
func (g *Graph) wouldCloseCycle(out, in *Port) bool {
	if out.Node == in.Node {
		return true
	}
	visited := map[NodeID]bool{}
	queue := []*Node{in.Node}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.ID == out.Node.ID {
			return true
		}
		if visited[cur.ID] {
			continue
		}
		visited[cur.ID] = true
		for _, p := range cur.Outputs {
			if p.Peer != nil {
				queue = append(queue, p.Peer.Node)
			}
		}
	}
	return false
}

// Unlink clears p and its peer's Peer fields, frees the shared cell, and
// decrements the input side's RequiredIn.
func (g *Graph) Unlink(p *Port) error {
	if p.Peer == nil {
		return mediabroker.ErrPortNotLinked
	}
	peer := p.Peer
	in, out := p, peer
	if p.Direction == DirectionOutput {
		in, out = peer, p
	}
	in.Peer = nil
	out.Peer = nil
	in.Cell = nil
	out.Cell = nil
	if in.Node.RequiredIn > 0 {
		in.Node.RequiredIn--
	}
	return nil
}

// MarkOptional decrements an already-linked input port's node's
// RequiredIn by one, clamped at zero, so that input is not counted toward
// the node's firing threshold.
func (p *Port) MarkOptional() {
	if p.Direction != DirectionInput {
		return
	}
	if p.Node.RequiredIn > 0 {
		p.Node.RequiredIn--
	}
}

func (p *Port) String() string {
	return fmt.Sprintf("port(node=%d,dir=%s,id=%d)", p.Node.ID, p.Direction, p.ID)
}
