package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/conductor/pkg/blackboard"
	"github.com/agentmesh/conductor/pkg/control"
)

// countingNode counts its invocations for assertions and returns its
// configured err, if any; it never touches the blackboard.
type countingNode struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *countingNode) ActionHandler(_ *blackboard.Message) (any, error) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	return nil, nil
}

func (n *countingNode) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fakeRegistry struct {
	nodes map[string]control.Node
}

func (r fakeRegistry) GetAgentInstance(name string) (control.Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// exitAfterN flips the blackboard's exit flag once called n times,
// otherwise routes back to itself via next_agent.
type exitAfterN struct {
	countingNode
	n  int
	bb *blackboard.Blackboard
}

func (n *exitAfterN) ActionHandler(msg *blackboard.Message) (any, error) {
	if _, err := n.countingNode.ActionHandler(msg); err != nil {
		return nil, err
	}
	if n.countingNode.Calls() >= n.n {
		n.bb.UpdateStateValue(control.KeyExit, true)
		return nil, nil
	}
	n.bb.UpdateStateValue(control.KeyNextAgent, "looper")
	return nil, nil
}

func TestRunStopsOnExitFlag(t *testing.T) {
	bb := blackboard.New()
	looper := &exitAfterN{n: 3, bb: bb}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{"looper": looper, DefaultDelegatorName: looper}},
	})

	err := mgr.Run(context.Background(), &blackboard.Message{DataType: "task"})
	require.NoError(t, err)
	require.Equal(t, 3, looper.Calls())
	require.Equal(t, 3, mgr.LoopCount())
}

func TestRunStopsOnErrorFlagAndReturnsError(t *testing.T) {
	bb := blackboard.New()
	failer := &countingNode{err: errors.New("boom")}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{DefaultDelegatorName: failer}},
	})

	err := mgr.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Equal(t, 1, failer.Calls())

	errored, _ := bb.GetStateValue(control.KeyError, false).(bool)
	require.True(t, errored)
}

func TestRunStopsOnUnknownNextAgent(t *testing.T) {
	bb := blackboard.New()
	bb.UpdateStateValue(control.KeyNextAgent, "nonexistent")

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{}},
	})

	err := mgr.Run(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nonexistent")
}

func TestRunForcesGracefulExitAfterMaxLoops(t *testing.T) {
	bb := blackboard.New()
	looper := &countingNode{}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{DefaultDelegatorName: looper}},
		MaxLoops:   5,
	})

	err := mgr.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 6, looper.Calls())

	exit, _ := bb.GetStateValue(control.KeyExit, false).(bool)
	require.True(t, exit)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	bb := blackboard.New()
	looper := &countingNode{}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{DefaultDelegatorName: looper}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mgr.Run(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCancelStopsLoopFromAnotherGoroutine(t *testing.T) {
	bb := blackboard.New()
	gate := make(chan struct{})
	node := &countingNode{}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{DefaultDelegatorName: node}},
	})

	done := make(chan error, 1)
	go func() {
		close(gate)
		done <- mgr.Run(context.Background(), nil)
	}()

	<-gate
	mgr.Cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop after Cancel")
	}

	cancelled, _ := bb.GetStateValue("cancelled", false).(bool)
	require.True(t, cancelled)
}

func TestDefaultDelegatorNameUsedWhenNextAgentUnset(t *testing.T) {
	bb := blackboard.New()
	node := &exitAfterN{n: 1, bb: bb}

	mgr := New(Config{
		ID:         "m1",
		Blackboard: bb,
		Agents:     fakeRegistry{nodes: map[string]control.Node{DefaultDelegatorName: node}},
	})

	err := mgr.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, node.Calls())
}

func TestRunToolCallerNodeWithoutMetrics(t *testing.T) {
	// recordDuration is exercised indirectly through Run; this test
	// only checks that a manager with no metrics configured doesn't
	// panic when a node named "tool_caller" runs.
	bb := blackboard.New()
	node := &exitAfterN{n: 1, bb: bb}

	mgr := New(Config{
		ID:            "m1",
		Blackboard:    bb,
		Agents:        fakeRegistry{nodes: map[string]control.Node{"tool_caller": node}},
		DelegatorName: "tool_caller",
	})

	require.NoError(t, mgr.Run(context.Background(), nil))
}

func TestNewAppliesDefaults(t *testing.T) {
	mgr := New(Config{ID: "m1", Blackboard: blackboard.New(), Agents: fakeRegistry{}})
	require.Equal(t, DefaultDelegatorName, mgr.delegatorName)
	require.Equal(t, 200, mgr.maxLoops)
}
