package fairshare

import (
	"testing"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/snapshot"
	"github.com/stretchr/testify/require"
)

func unit() apis.ResourceRequirement { return apis.ResourceRequirement{CPU: 1, Memory: 1 << 20} }

func TestWaterFillSplitsEvenlyBetweenTwoStarvedSessions(t *testing.T) {
	snap := &snapshot.Snapshot{
		Nodes: []*snapshot.NodeView{
			{Node: &apis.Node{Name: "n1", Allocatable: apis.ResourceRequirement{CPU: 2, Memory: 2 << 20}}},
		},
		Sessions: []*snapshot.SessionView{
			{Session: &apis.Session{ID: "s1", Slots: 1}, Application: &apis.Application{MaxInstances: 100}, PendingTasks: 100},
			{Session: &apis.Session{ID: "s2", Slots: 1}, Application: &apis.Application{MaxInstances: 100}, PendingTasks: 100},
		},
	}

	p := New(snap, unit())
	require.Equal(t, int32(100), p.Desired("s1"))
	require.Equal(t, int32(1), p.Deserved("s1"))
	require.Equal(t, int32(1), p.Deserved("s2"))
	require.True(t, p.IsUnderused("s1"))
	require.True(t, p.IsUnderused("s2"))
}

func TestDeservedCappedByMaxInstances(t *testing.T) {
	snap := &snapshot.Snapshot{
		Nodes: []*snapshot.NodeView{
			{Node: &apis.Node{Name: "n1", Allocatable: apis.ResourceRequirement{CPU: 10, Memory: 10 << 20}}},
		},
		Sessions: []*snapshot.SessionView{
			{Session: &apis.Session{ID: "s1", Slots: 1}, Application: &apis.Application{MaxInstances: 2}, PendingTasks: 100},
		},
	}
	p := New(snap, unit())
	require.Equal(t, int32(2), p.Desired("s1"))
	require.Equal(t, int32(2), p.Deserved("s1"))
	require.True(t, p.IsUnderused("s1"))
}

func TestVoidExecutorCountsTowardSessionAllocated(t *testing.T) {
	void := &apis.Executor{ID: "void-1", Slots: 1, SessionID: "s1", State: apis.ExecutorVoid}
	snap := &snapshot.Snapshot{
		Nodes: []*snapshot.NodeView{
			{Node: &apis.Node{Name: "n1", Allocatable: apis.ResourceRequirement{CPU: 1, Memory: 1 << 20}}, Executors: []*apis.Executor{void}},
		},
		Sessions: []*snapshot.SessionView{
			{Session: &apis.Session{ID: "s1", Slots: 1}, Application: &apis.Application{MaxInstances: 1}, PendingTasks: 1, BoundExecutors: []*apis.Executor{void}},
		},
	}
	p := New(snap, unit())
	require.Equal(t, int32(1), p.Allocated("s1"))
	require.Equal(t, int32(1), p.NodeAllocated("n1"))
	require.False(t, p.IsUnderused("s1"))
}

func TestPreemptibleAndAllocatable(t *testing.T) {
	snap := &snapshot.Snapshot{
		Nodes: []*snapshot.NodeView{
			{Node: &apis.Node{Name: "n1", Allocatable: apis.ResourceRequirement{CPU: 1, Memory: 1 << 20}},
				Executors: []*apis.Executor{{ID: "e1", Node: "n1", Slots: 1, SessionID: "s1", State: apis.ExecutorBound}}},
		},
		Sessions: []*snapshot.SessionView{
			{Session: &apis.Session{ID: "s1", Slots: 1}, Application: &apis.Application{MaxInstances: 1}, RunningTasks: 1,
				BoundExecutors: []*apis.Executor{{ID: "e1", Node: "n1", Slots: 1, SessionID: "s1", State: apis.ExecutorBound}}},
			{Session: &apis.Session{ID: "s2", Slots: 1}, Application: &apis.Application{MaxInstances: 1}, PendingTasks: 1},
		},
	}
	p := New(snap, unit())
	require.True(t, p.IsPreemptible("s1", 1))
	require.False(t, p.IsAllocatable("n1", 1))
}

func TestSessionLessPicksMostStarved(t *testing.T) {
	p := &Plugin{sessions: map[string]*sessionAccount{
		"a": {id: "a", allocated: 1, deserved: 4},
		"b": {id: "b", allocated: 3, deserved: 4},
	}}
	require.True(t, p.SessionLess("a", "b"))
	require.False(t, p.SessionLess("b", "a"))
}
