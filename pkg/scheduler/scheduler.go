// Package scheduler implements the cooperative, single-threaded pull/push
// pump driving the media graph: a FIFO ready queue of nodes, a four-state
// machine per node (IN, OUT, CHECK_IN, CHECK_OUT), and status-cell
// bookkeeping that promotes a node to ready exactly once per firing.
package scheduler

import (
	"log/slog"

	"github.com/streamgraph/mediabroker"
	"github.com/streamgraph/mediabroker/pkg/graph"
)

// Scheduler drives one graph's nodes to completion from a single sink,
// either by pulling (sink wants a buffer, walk upstream) or pushing (sink
// produced a buffer, walk downstream). It keeps its own ready-queue
// bookkeeping rather than storing an intrusive link on graph.Node, so the
// two packages stay decoupled; the queued map plays the role of the
// ready-link sentinel and keeps enqueue idempotent.
type Scheduler struct {
	g      *graph.Graph
	logger *slog.Logger

	ready  []*graph.Node
	queued map[graph.NodeID]bool

	sink *graph.Node

	// Trace records each dequeue's (node, state) pair, in processing
	// order.
	Trace []TraceEntry
}

// TraceEntry is one dequeue-and-process step.
type TraceEntry struct {
	NodeID graph.NodeID
	State  graph.State
}

// New returns a Scheduler over g.
func New(g *graph.Graph, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		g:      g,
		logger: logger,
		queued: make(map[graph.NodeID]bool),
	}
}

// enqueue appends n at the tail of the ready queue unless it is already
// present. A node re-readied mid-pass is coalesced, not double-enqueued,
// and keeps its original queue position.
func (s *Scheduler) enqueue(n *graph.Node) {
	if s.queued[n.ID] {
		return
	}
	s.queued[n.ID] = true
	s.ready = append(s.ready, n)
}

func (s *Scheduler) dequeue() (*graph.Node, bool) {
	if len(s.ready) == 0 {
		return nil, false
	}
	n := s.ready[0]
	s.ready = s.ready[1:]
	if !s.queued[n.ID] {
		mediabroker.Fatal("node in ready queue without queued mark")
	}
	delete(s.queued, n.ID)
	return n, true
}

// Remove takes n out of the ready queue if present. Called when a node is
// destroyed while scheduled.
func (s *Scheduler) Remove(n *graph.Node) {
	if !s.queued[n.ID] {
		return
	}
	delete(s.queued, n.ID)
	for i, q := range s.ready {
		if q == n {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Pull declares sink as the sink of interest wanting data: it is marked
// CHECK_IN and enqueued, and the pump will chase upstream for buffers.
func (s *Scheduler) Pull(sink *graph.Node) {
	s.sink = sink
	sink.State = graph.StateCheckIn
	s.enqueue(sink)
}

// Push declares that sink has just produced: it is marked OUT and
// enqueued, and the pump will drive data downstream.
func (s *Scheduler) Push(sink *graph.Node) {
	s.sink = sink
	sink.State = graph.StateOut
	s.enqueue(sink)
}

// Run drains the ready queue by repeatedly calling Iterate until it
// reports the queue empty.
func (s *Scheduler) Run() {
	for s.Iterate() {
	}
}

// Iterate dequeues and processes one node, then reports whether the ready
// queue still has work. Returning false means the queue is empty and the
// caller should sleep until an external stimulus re-enters via Pull or
// Push.
func (s *Scheduler) Iterate() bool {
	n, ok := s.dequeue()
	if !ok {
		return false
	}
	s.Trace = append(s.Trace, TraceEntry{NodeID: n.ID, State: n.State})
	s.logger.Debug("iterate", "node", n.ID, "state", n.State.String())

	switch n.State {
	case graph.StateIn:
		res := callProcessInput(n)
		if next, ok := transitionState(res); ok {
			n.State = next
			// The pull sink is driven externally: once it has consumed,
			// the outer driver decides whether to pump again.
			if n != s.sink {
				s.enqueue(n)
			}
		}

	case graph.StateOut:
		res := callProcessOutput(n)
		if next, ok := transitionState(res); ok {
			n.State = next
			s.enqueue(n)
		}

	case graph.StateCheckIn:
		s.checkIn(n)
		s.checkOut(n)

	case graph.StateCheckOut:
		s.checkOut(n)
	}
	return len(s.ready) > 0
}

// checkIn walks n's input ports: a port whose cell still reads NEED_BUFFER
// promotes its upstream peer to OUT and enqueues it, unless the peer is
// the sink (the sink feeds itself on the next external call) and is not
// ASYNC — across an ASYNC edge the sink rule is pre-empted, which is what
// breaks feedback cycles. A port reading OK counts toward ReadyIn.
// CHECK_IN falls through into CHECK_OUT; Iterate reproduces that by
// calling both helpers in sequence.
func (s *Scheduler) checkIn(n *graph.Node) {
	n.ReadyIn = 0
	for _, in := range n.Inputs {
		if in.Peer == nil {
			continue
		}
		switch in.Cell.Status {
		case graph.StatusNeedBuffer:
			upstream := in.Peer.Node
			if upstream == s.sink && !upstream.Async {
				continue
			}
			upstream.State = graph.StateOut
			s.enqueue(upstream)
		case graph.StatusOK:
			n.ReadyIn++
		}
	}
}

// checkOut walks n's output ports and runs the port check on each
// connected downstream input port.
func (s *Scheduler) checkOut(n *graph.Node) {
	for _, out := range n.Outputs {
		if out.Peer == nil {
			continue
		}
		s.portCheck(out.Peer)
	}
}

// portCheck recomputes a downstream input port's node's readiness: a cell
// reading HAVE_BUFFER bumps ReadyIn, and the node fires (state IN,
// enqueued, counter consumed) exactly when ReadyIn reaches RequiredIn. A
// node that was enqueued but is no longer ready is dequeued.
func (s *Scheduler) portCheck(in *graph.Port) {
	n := in.Node
	if in.Cell.Status == graph.StatusHaveBuffer {
		n.ReadyIn++
	}
	if n.RequiredIn > 0 && n.ReadyIn == n.RequiredIn {
		n.ReadyIn = 0
		n.State = graph.StateIn
		s.enqueue(n)
	} else if s.queued[n.ID] {
		s.Remove(n)
	}
}

func callProcessInput(n *graph.Node) graph.Transition {
	if n.Callbacks.ProcessInput == nil {
		return graph.TransitionOK
	}
	return n.Callbacks.ProcessInput(n)
}

func callProcessOutput(n *graph.Node) graph.Transition {
	if n.Callbacks.ProcessOutput == nil {
		return graph.TransitionOK
	}
	return n.Callbacks.ProcessOutput(n)
}

// transitionState maps a callback's return value to the next scheduling
// state. NEED_BUFFER asks for more input (CHECK_IN), HAVE_BUFFER offers
// output (CHECK_OUT); anything else (OK, ERROR) takes the node off the
// queue, so ok is false and the caller must not re-enqueue.
func transitionState(t graph.Transition) (graph.State, bool) {
	switch t {
	case graph.TransitionNeedBuffer:
		return graph.StateCheckIn, true
	case graph.TransitionHaveBuffer:
		return graph.StateCheckOut, true
	default:
		return 0, false
	}
}
