package lcm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGraphNode is a minimal GraphNode for exercising the dependency
// executor without the OS-level machinery of a real ProcessNode. running
// tracks the node's simulated current state; target is whatever the graph
// last asked of it via SetTarget; DoWork "launches"/"stops" instantly by
// setting running = target.
type fakeGraphNode struct {
	name string
	deps []string

	mu      sync.Mutex
	running bool
	target  bool
	failed  bool
	lastErr *ExecutionError
	started atomic.Int64
}

func (f *fakeGraphNode) Name() string           { return f.name }
func (f *fakeGraphNode) Dependencies() []string { return f.deps }

func (f *fakeGraphNode) SetTarget(running bool) {
	f.mu.Lock()
	f.target = running
	f.mu.Unlock()
}

func (f *fakeGraphNode) Satisfied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return true
	}
	return f.running == f.target
}

func (f *fakeGraphNode) Failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *fakeGraphNode) LastError() *ExecutionError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeGraphNode) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeGraphNode) IsStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.running || f.failed
}

func (f *fakeGraphNode) DoWork(ctx context.Context) {
	f.started.Add(1)
	f.mu.Lock()
	f.running = f.target
	f.mu.Unlock()
}

func (f *fakeGraphNode) setFailed(err *ExecutionError) {
	f.mu.Lock()
	f.failed = true
	f.lastErr = err
	f.mu.Unlock()
}

// recordingNode wraps fakeGraphNode to capture the order DoWork runs in, for
// asserting dependency ordering within a round.
type recordingNode struct {
	fakeGraphNode
	record func(string)
}

func (n *recordingNode) DoWork(ctx context.Context) {
	n.record(n.name)
	n.fakeGraphNode.DoWork(ctx)
}

func TestGraphStartTransitionRespectsDependencyOrder(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 8, 4)
	queue.Start()
	defer queue.Stop()

	g := NewGraph(log, "test-group", queue)

	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	base := &recordingNode{fakeGraphNode: fakeGraphNode{name: "base"}, record: record}
	dependent := &recordingNode{fakeGraphNode: fakeGraphNode{name: "dependent", deps: []string{"base"}}, record: record}

	g.AddNode(base)
	g.AddNode(dependent)
	g.AddState("On", []string{"base", "dependent"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, g.StartTransition(ctx, "On"))
	require.Eventually(t, func() bool { return g.State() == StateSuccess }, time.Second, 5*time.Millisecond)

	orderMu.Lock()
	defer orderMu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "base", order[0])
	assert.Equal(t, "dependent", order[1])
}

func TestGraphCancelMidTransitionLandsUndefined(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 8, 4) // never Started: nothing drains, so the round never completes on its own

	g := NewGraph(log, "cancel-group", queue)

	node := &fakeGraphNode{name: "solo"}
	g.AddNode(node)
	g.AddState("On", []string{"solo"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.StartTransition(ctx, "On"))

	require.Eventually(t, func() bool { return g.State() == StateInTransition }, time.Second, 5*time.Millisecond)
	g.Cancel()
	require.Eventually(t, func() bool { return g.State() == StateUndefined }, time.Second, 5*time.Millisecond)
}

func TestGraphSwapStopsNonMemberAndStartsMember(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 8, 4)
	queue.Start()
	defer queue.Stop()

	g := NewGraph(log, "swap-group", queue)
	a := &fakeGraphNode{name: "a", running: true, target: true}
	b := &fakeGraphNode{name: "b"}
	g.AddNode(a)
	g.AddNode(b)
	g.AddState("On", []string{"a"})
	g.AddState("Swapped", []string{"b"})

	// Seed the graph at a settled "On" state (a running, b stopped) without
	// running a full round, then request the swap.
	g.currentState = "On"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.StartTransition(ctx, "Swapped"))
	require.Eventually(t, func() bool { return g.State() == StateSuccess }, time.Second, 5*time.Millisecond)

	assert.False(t, a.IsRunning())
	assert.True(t, b.IsRunning())
}

// failingNode marks itself permanently failed the first time DoWork runs.
type failingNode struct {
	fakeGraphNode
}

func (n *failingNode) DoWork(ctx context.Context) {
	n.setFailed(NewExecutionError(n.name, DomainLauncher, 9))
}

func TestGraphFailedNodeAbortsRoundAndDeliversOutcome(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 8, 4)
	queue.Start()
	defer queue.Stop()

	g := NewGraph(log, "fail-group", queue)
	errLog := NewExecErrorLog(4)
	g.SetErrorLog(errLog)

	var delivered SetStateOutcome
	var deliveredErr *ExecutionError
	done := make(chan struct{})
	g.SetOutcomeHandler(func(o SetStateOutcome, ee *ExecutionError) {
		delivered = o
		deliveredErr = ee
		close(done)
	})

	bad := &failingNode{fakeGraphNode: fakeGraphNode{name: "bad"}}
	g.AddNode(bad)
	g.AddState("On", []string{"bad"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.StartTransition(ctx, "On"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("outcome never delivered")
	}

	assert.Equal(t, OutcomeFailedUnexpectedTerminationOnEnter, delivered)
	require.NotNil(t, deliveredErr)
	require.Eventually(t, func() bool { return g.State() == StateUndefined }, time.Second, 5*time.Millisecond)
	_, ok := errLog.Latest("bad")
	assert.True(t, ok)
}

func TestGraphStartTransitionRejectsUnknownState(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 4, 2)
	g := NewGraph(log, "empty-group", queue)

	err := g.StartTransition(context.Background(), "NoSuchState")
	require.Error(t, err)
	assert.Equal(t, StateSuccess, g.State())
}

func TestGraphReportUnexpectedTerminationAfterSettle(t *testing.T) {
	log := zap.NewNop()
	queue := NewJobQueue(log, 4, 2)
	queue.Start()
	defer queue.Stop()

	g := NewGraph(log, "crash-group", queue)
	node := &fakeGraphNode{name: "solo"}
	g.AddNode(node)
	g.AddState("On", []string{"solo"})

	var outcomes []SetStateOutcome
	var mu sync.Mutex
	g.SetOutcomeHandler(func(o SetStateOutcome, ee *ExecutionError) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.StartTransition(ctx, "On"))
	require.Eventually(t, func() bool { return g.State() == StateSuccess }, time.Second, 5*time.Millisecond)

	g.ReportUnexpectedTermination(NewExecutionError("solo", DomainReaper, 1))
	require.Eventually(t, func() bool { return g.State() == StateUndefined }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeSuccess, outcomes[0])
	assert.Equal(t, OutcomeFailedUnexpectedTermination, outcomes[1])
}
