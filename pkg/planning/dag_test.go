package planning

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDiamond(t *testing.T) *DAG {
	t.Helper()
	dag := NewDAG(2)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, dag.AddNode(id, TaskSearch, id))
	}
	require.NoError(t, dag.AddEdge("a", "b"))
	require.NoError(t, dag.AddEdge("a", "c"))
	require.NoError(t, dag.AddEdge("b", "d"))
	require.NoError(t, dag.AddEdge("c", "d"))
	return dag
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	dag := buildDiamond(t)

	err := dag.AddEdge("d", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	assert.Error(t, dag.AddEdge("a", "a"))
}

func TestAddEdgeRejectsUnknownNodes(t *testing.T) {
	dag := NewDAG(2)
	require.NoError(t, dag.AddNode("a", TaskRoot, "a"))

	assert.Error(t, dag.AddEdge("a", "ghost"))
	assert.Error(t, dag.AddEdge("ghost", "a"))
}

func TestReadyTasksFollowsDependencies(t *testing.T) {
	dag := buildDiamond(t)

	ready := dag.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	// Nothing new until a completes.
	assert.Empty(t, dag.ReadyTasks())

	require.NoError(t, dag.SetResult("a", "done"))
	ready = dag.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)

	require.NoError(t, dag.SetResult("b", "done"))
	assert.Empty(t, dag.ReadyTasks(), "d still waits on c")

	require.NoError(t, dag.SetResult("c", "done"))
	ready = dag.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID)
}

func TestReadyTasksStableOrder(t *testing.T) {
	dag := NewDAG(2)
	require.NoError(t, dag.AddNode("root", TaskRoot, "root"))
	// Insertion order deliberately scrambled.
	for _, id := range []string{"search_3", "search_1", "search_2"} {
		require.NoError(t, dag.AddNode(id, TaskSearch, id))
		require.NoError(t, dag.AddEdge("root", id))
	}
	require.NoError(t, dag.SetResult("root", nil))

	ready := dag.ReadyTasks()
	require.Len(t, ready, 3)
	assert.Equal(t, "search_1", ready[0].ID)
	assert.Equal(t, "search_2", ready[1].ID)
	assert.Equal(t, "search_3", ready[2].ID)
}

func TestReadyTasksAfterFailedDependency(t *testing.T) {
	dag := buildDiamond(t)

	ready := dag.ReadyTasks()
	require.Len(t, ready, 1)
	require.NoError(t, dag.Fail("a", errors.New("boom")))

	// A permanently failed dependency settles its dependents.
	ready = dag.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)

	require.NoError(t, dag.Fail("b", errors.New("boom")))
	require.NoError(t, dag.SetResult("c", "done"))
	ready = dag.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID, "mixed failed and complete deps still settle")
}

func TestRetryBudget(t *testing.T) {
	dag := NewDAG(2)
	require.NoError(t, dag.AddNode("a", TaskSearch, "a"))

	require.NoError(t, dag.Fail("a", errors.New("boom")))
	assert.True(t, dag.Retry("a"))
	require.NoError(t, dag.Fail("a", errors.New("boom")))
	assert.True(t, dag.Retry("a"))
	require.NoError(t, dag.Fail("a", errors.New("boom")))
	assert.False(t, dag.Retry("a"), "budget of 2 is spent")

	node, ok := dag.Node("a")
	require.True(t, ok)
	assert.Equal(t, NodeFailed, node.Status)
	assert.Equal(t, 2, node.Retries)
}

func TestAllComplete(t *testing.T) {
	dag := buildDiamond(t)
	assert.False(t, dag.AllComplete())

	require.NoError(t, dag.SetResult("a", nil))
	require.NoError(t, dag.SetResult("b", nil))
	require.NoError(t, dag.Fail("c", errors.New("boom")))
	require.NoError(t, dag.SetResult("d", nil))
	assert.True(t, dag.AllComplete(), "failed nodes are terminal too")
}

func TestSetResultOwnsPayload(t *testing.T) {
	dag := NewDAG(2)
	require.NoError(t, dag.AddNode("a", TaskSearch, "a"))
	require.NoError(t, dag.SetResult("a", map[string]int{"facts": 7}))

	node, ok := dag.Node("a")
	require.True(t, ok)
	assert.Equal(t, NodeComplete, node.Status)
	assert.Equal(t, map[string]int{"facts": 7}, node.Result)
}
