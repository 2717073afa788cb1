package stagegraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph {
	t.Helper()
	graph, err := New("diamond", []Node{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	})
	require.NoError(t, err)
	return graph
}

func TestNewRejectsEmptyGraph(t *testing.T) {
	_, err := New("empty", nil)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Contains(t, integrity.Reason, "no stages")
}

func TestNewRejectsDuplicateStage(t *testing.T) {
	_, err := New("dup", []Node{{ID: "a"}, {ID: "a"}})
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Contains(t, integrity.Reason, `duplicate stage "a"`)
}

func TestNewRejectsDanglingDependency(t *testing.T) {
	_, err := New("dangling", []Node{{ID: "a", DependsOn: []string{"missing"}}})
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Contains(t, integrity.Reason, `unknown stage "missing"`)
}

func TestNewRejectsSelfDependency(t *testing.T) {
	_, err := New("self", []Node{{ID: "a", DependsOn: []string{"a"}}})
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Contains(t, integrity.Reason, "depends on itself")
}

func TestNewRejectsCycle(t *testing.T) {
	_, err := New("cycle", []Node{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Contains(t, integrity.Reason, "cycle")
}

func TestStageIDsTopologicalOrder(t *testing.T) {
	graph := diamond(t)
	order := graph.StageIDs()
	require.Len(t, order, 4)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	for _, node := range graph.Nodes() {
		for _, dep := range node.DependsOn {
			assert.Less(t, position[dep], position[node.ID],
				"dependency %s must precede %s", dep, node.ID)
		}
	}
}

func TestReadyStagesExactness(t *testing.T) {
	graph := diamond(t)
	statuses := map[string]StageStatus{
		"a": StagePending,
		"b": StagePending,
		"c": StagePending,
		"d": StagePending,
	}
	state := func(id string) StageStatus { return statuses[id] }

	assert.Equal(t, []string{"a"}, graph.ReadyStages(state))

	statuses["a"] = StageRunning
	assert.Empty(t, graph.ReadyStages(state))

	statuses["a"] = StageCompleted
	assert.Equal(t, []string{"b", "c"}, graph.ReadyStages(state))

	// A stage leaves the ready set the moment its status changes.
	statuses["b"] = StageRunning
	assert.Equal(t, []string{"c"}, graph.ReadyStages(state))

	statuses["b"] = StageCompleted
	statuses["c"] = StageCompleted
	assert.Equal(t, []string{"d"}, graph.ReadyStages(state))

	// A failed dependency never unblocks dependents.
	statuses["c"] = StageFailed
	assert.Empty(t, graph.ReadyStages(state))
}

func TestDependentsOf(t *testing.T) {
	graph := diamond(t)
	assert.Equal(t, []string{"b", "c"}, graph.DependentsOf("a"))
	assert.Equal(t, []string{"d"}, graph.DependentsOf("b"))
	assert.Empty(t, graph.DependentsOf("d"))
}

func TestTransitiveDependents(t *testing.T) {
	graph := diamond(t)
	assert.Equal(t, []string{"b", "c", "d"}, graph.TransitiveDependents("a"))
	assert.Equal(t, []string{"d"}, graph.TransitiveDependents("c"))
	assert.Empty(t, graph.TransitiveDependents("d"))
}

func TestBuiltinGraph(t *testing.T) {
	graph := Builtin()
	assert.Equal(t, BuiltinName, graph.Name())
	assert.Equal(t, 6, graph.Len())

	order := graph.StageIDs()
	assert.Equal(t, "literature", order[0])

	// dsp_code and paper branch independently off sim_run.
	assert.ElementsMatch(t, []string{"dsp_code", "paper"}, graph.DependentsOf("sim_run"))

	literature, ok := graph.Node("literature")
	require.True(t, ok)
	assert.True(t, literature.RequiresConfirmation)
	assert.True(t, literature.Scored)
	assert.Equal(t, "architect", literature.Role)

	simRun, ok := graph.Node("sim_run")
	require.True(t, ok)
	assert.True(t, simRun.RequiresConfirmation)
	assert.False(t, simRun.Scored)
}

func TestSetResolvesBuiltinByDefault(t *testing.T) {
	custom, err := New("custom", []Node{{ID: "only"}})
	require.NoError(t, err)

	set := NewSet(custom)
	graph, ok := set.Get("")
	require.True(t, ok)
	assert.Equal(t, BuiltinName, graph.Name())

	graph, ok = set.Get("custom")
	require.True(t, ok)
	assert.Equal(t, "custom", graph.Name())

	_, ok = set.Get("unknown")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{BuiltinName, "custom"}, set.Names())
}

func TestParseStageStatus(t *testing.T) {
	status, ok := ParseStageStatus(" Running ")
	require.True(t, ok)
	assert.Equal(t, StageRunning, status)

	_, ok = ParseStageStatus("bogus")
	assert.False(t, ok)

	_, ok = ParseStageStatus("")
	assert.False(t, ok)
}

func TestStageStatusPredicates(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.False(t, StageAwaitingConfirmation.IsTerminal())

	assert.True(t, StageRunning.IsInFlight())
	assert.True(t, StageReady.IsInFlight())
	assert.False(t, StagePending.IsInFlight())
}
