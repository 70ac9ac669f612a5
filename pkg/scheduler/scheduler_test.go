package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgraph/mediabroker/pkg/graph"
)

// TestLinearPullChain: source -> filter -> sink, each consuming one input
// and producing one output. A single Pull on the sink walks upstream for
// buffers, then data flows back down; every process callback fires exactly
// once per pump and the queue drains.
func TestLinearPullChain(t *testing.T) {
	g := graph.New()
	var order []string

	source := g.AddNode(graph.Callbacks{
		ProcessOutput: func(n *graph.Node) graph.Transition {
			order = append(order, "source.out")
			n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
			return graph.TransitionHaveBuffer
		},
	})
	filter := g.AddNode(graph.Callbacks{
		ProcessOutput: func(n *graph.Node) graph.Transition {
			// Starved: ask upstream before producing anything.
			order = append(order, "filter.out")
			return graph.TransitionNeedBuffer
		},
		ProcessInput: func(n *graph.Node) graph.Transition {
			order = append(order, "filter.in")
			n.Inputs[0].Cell.Status = graph.StatusOK
			n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
			return graph.TransitionHaveBuffer
		},
	})
	sink := g.AddNode(graph.Callbacks{
		ProcessInput: func(n *graph.Node) graph.Transition {
			order = append(order, "sink.in")
			n.Inputs[0].Cell.Status = graph.StatusOK
			return graph.TransitionOK
		},
	})

	sOut := source.AddPort(graph.DirectionOutput)
	fIn := filter.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(sOut, fIn))

	fOut := filter.AddPort(graph.DirectionOutput)
	skIn := sink.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(fOut, skIn))

	// Both consumers start out hungry.
	fIn.Cell.Status = graph.StatusNeedBuffer
	skIn.Cell.Status = graph.StatusNeedBuffer

	sched := New(g, nil)
	sched.Pull(sink)
	sched.Run()

	assert.Equal(t, []string{"filter.out", "source.out", "filter.in", "sink.in"}, order)
	assert.Empty(t, sched.ready, "queue drains after one pump")
	assert.EqualValues(t, 0, sink.ReadyIn, "sink's readiness was consumed on firing")
}

// TestFanInJoin: two sources feed one join node with RequiredIn == 2; the
// join fires exactly once, and only after both upstream buffers arrived.
func TestFanInJoin(t *testing.T) {
	g := graph.New()
	fired := 0

	mkSource := func() *graph.Node {
		return g.AddNode(graph.Callbacks{
			ProcessOutput: func(n *graph.Node) graph.Transition {
				n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
				return graph.TransitionHaveBuffer
			},
		})
	}
	src1 := mkSource()
	src2 := mkSource()
	join := g.AddNode(graph.Callbacks{
		ProcessInput: func(n *graph.Node) graph.Transition {
			fired++
			return graph.TransitionNeedBuffer
		},
	})

	o1 := src1.AddPort(graph.DirectionOutput)
	i1 := join.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(o1, i1))

	o2 := src2.AddPort(graph.DirectionOutput)
	i2 := join.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(o2, i2))

	require.EqualValues(t, 2, join.RequiredIn)
	i1.Cell.Status = graph.StatusNeedBuffer
	i2.Cell.Status = graph.StatusNeedBuffer

	sched := New(g, nil)
	sched.Pull(join)
	sched.Run()

	assert.Equal(t, 1, fired, "join fires once per cycle, not once per input")
}

// TestFanInPartialDelivery: with only one of two inputs delivering, the
// join must stay un-enqueued and never fire.
func TestFanInPartialDelivery(t *testing.T) {
	g := graph.New()
	fired := 0

	src1 := g.AddNode(graph.Callbacks{
		ProcessOutput: func(n *graph.Node) graph.Transition {
			n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
			return graph.TransitionHaveBuffer
		},
	})
	src2 := g.AddNode(graph.Callbacks{
		ProcessOutput: func(n *graph.Node) graph.Transition {
			// Nothing to give.
			return graph.TransitionNeedBuffer
		},
	})
	join := g.AddNode(graph.Callbacks{
		ProcessInput: func(n *graph.Node) graph.Transition {
			fired++
			return graph.TransitionNeedBuffer
		},
	})

	o1 := src1.AddPort(graph.DirectionOutput)
	i1 := join.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(o1, i1))

	o2 := src2.AddPort(graph.DirectionOutput)
	i2 := join.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(o2, i2))

	i1.Cell.Status = graph.StatusNeedBuffer
	i2.Cell.Status = graph.StatusNeedBuffer

	sched := New(g, nil)
	sched.Pull(join)
	sched.Run()

	assert.Equal(t, 0, fired)
	assert.Empty(t, sched.ready)
}

// TestAsyncCycleDoesNotLivelock: a feedback edge closes a cycle A -> B ->
// A where B is ASYNC; a Push on A must terminate with a finite callback
// count rather than re-enqueuing the cycle forever.
func TestAsyncCycleDoesNotLivelock(t *testing.T) {
	g := graph.New()
	callCount := 0

	a := g.AddNode(graph.Callbacks{
		ProcessOutput: func(n *graph.Node) graph.Transition {
			callCount++
			n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
			return graph.TransitionHaveBuffer
		},
		ProcessInput: func(n *graph.Node) graph.Transition {
			// Feedback arrived; consume it and go idle.
			callCount++
			n.Inputs[0].Cell.Status = graph.StatusOK
			return graph.TransitionOK
		},
	})
	b := g.AddNode(graph.Callbacks{
		ProcessInput: func(n *graph.Node) graph.Transition {
			callCount++
			n.Inputs[0].Cell.Status = graph.StatusOK
			n.Outputs[0].Cell.Status = graph.StatusHaveBuffer
			return graph.TransitionHaveBuffer
		},
	})
	b.Async = true

	aOut := a.AddPort(graph.DirectionOutput)
	bIn := b.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(aOut, bIn))

	bOut := b.AddPort(graph.DirectionOutput)
	aIn := a.AddPort(graph.DirectionInput)
	require.NoError(t, g.Link(bOut, aIn))

	sched := New(g, nil)
	sched.Push(a)
	sched.Run()

	assert.Equal(t, 3, callCount, "a.out, b.in, a.in and nothing more")
	assert.Empty(t, sched.ready)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	g := graph.New()
	n := g.AddNode(graph.Callbacks{})
	sched := New(g, nil)
	sched.enqueue(n)
	sched.enqueue(n)
	assert.Len(t, sched.ready, 1)
}

// TestIterateReturnContract: Iterate returns false exactly when the ready
// queue is empty, both on an idle scheduler and after the final node of a
// pump is processed.
func TestIterateReturnContract(t *testing.T) {
	g := graph.New()
	sched := New(g, nil)
	assert.False(t, sched.Iterate(), "empty queue")

	n := g.AddNode(graph.Callbacks{
		ProcessInput: func(*graph.Node) graph.Transition { return graph.TransitionOK },
	})
	n.State = graph.StateIn
	sched.enqueue(n)
	assert.False(t, sched.Iterate(), "last node processed, queue now empty")
}

// TestRemoveTakesNodeOffQueue: destroying a scheduled node must pull it
// out of the ready queue.
func TestRemoveTakesNodeOffQueue(t *testing.T) {
	g := graph.New()
	n1 := g.AddNode(graph.Callbacks{})
	n2 := g.AddNode(graph.Callbacks{})
	sched := New(g, nil)
	sched.enqueue(n1)
	sched.enqueue(n2)

	sched.Remove(n1)
	assert.Len(t, sched.ready, 1)
	assert.Equal(t, n2, sched.ready[0])
	assert.False(t, sched.Iterate(), "one node left; after it the queue is empty")
}
