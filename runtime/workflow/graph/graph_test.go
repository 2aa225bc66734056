package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/workflow"
)

func node(id string, t workflow.NodeType) workflow.Node {
	return workflow.Node{ID: id, Type: t}
}

func edge(source, target, handle string) workflow.Edge {
	return workflow.Edge{ID: source + "->" + target, Source: source, Target: target, SourceHandle: handle}
}

func TestOrderLinear(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("t", workflow.NodeWebhookTrigger),
			node("a", workflow.NodeTransform),
			node("b", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{edge("t", "a", ""), edge("a", "b", "")},
	}
	steps, dropped := Order(def)
	require.Empty(t, dropped)
	require.Len(t, steps, 3)
	require.Equal(t, "t", steps[0].NodeID)
	require.Equal(t, "a", steps[1].NodeID)
	require.Equal(t, "b", steps[2].NodeID)
	require.Empty(t, steps[0].DependsOn)
	require.Equal(t, []string{"t"}, steps[1].DependsOn)
	require.Equal(t, []string{"a"}, steps[2].DependsOn)
}

func TestOrderJoinDependsOnAllPredecessors(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("t", workflow.NodeWebhookTrigger),
			node("a", workflow.NodeTransform),
			node("b", workflow.NodeTransform),
			node("m", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{
			edge("t", "a", ""), edge("t", "b", ""),
			edge("a", "m", ""), edge("b", "m", ""),
		},
	}
	steps, dropped := Order(def)
	require.Empty(t, dropped)
	require.Equal(t, "m", steps[3].NodeID)
	require.ElementsMatch(t, []string{"a", "b"}, steps[3].DependsOn)
}

func TestOrderCycleDropsUnvisited(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("t", workflow.NodeWebhookTrigger),
			node("a", workflow.NodeTransform),
			node("b", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{
			edge("t", "a", ""),
			// a and b form a cycle and can never be visited
			edge("a", "b", ""), edge("b", "a", ""),
		},
	}
	steps, dropped := Order(def)
	require.Len(t, steps, 1)
	require.Equal(t, "t", steps[0].NodeID)
	require.ElementsMatch(t, []string{"a", "b"}, dropped)
}

func TestOrderDeterministicSeeds(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("z", workflow.NodeWebhookTrigger),
			node("a", workflow.NodeScheduleTrigger),
		},
	}
	for i := 0; i < 10; i++ {
		steps, _ := Order(def)
		require.Equal(t, "z", steps[0].NodeID)
		require.Equal(t, "a", steps[1].NodeID)
	}
}

func TestDescendants(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("a", workflow.NodeTransform), node("b", workflow.NodeTransform),
			node("c", workflow.NodeTransform), node("d", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{edge("a", "b", ""), edge("b", "c", ""), edge("a", "d", "")},
	}
	desc := Descendants(def, "a")
	require.True(t, desc["b"])
	require.True(t, desc["c"])
	require.True(t, desc["d"])
	require.False(t, desc["a"])
	require.Empty(t, Descendants(def, "c"))
}

func conditionDef() workflow.Definition {
	// t -> c -true-> a -> m
	//        \-false-> b -> m
	return workflow.Definition{
		Nodes: []workflow.Node{
			node("t", workflow.NodeWebhookTrigger),
			node("c", workflow.NodeCondition),
			node("a", workflow.NodeTransform),
			node("b", workflow.NodeTransform),
			node("m", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{
			edge("t", "c", ""),
			edge("c", "a", "true"),
			edge("c", "b", "false"),
			edge("a", "m", ""),
			edge("b", "m", ""),
		},
	}
}

func TestSkipSetTrueBranch(t *testing.T) {
	t.Parallel()

	skip := SkipSet(conditionDef(), "c", true)
	require.True(t, skip["b"])
	require.False(t, skip["a"])
	// diamond merge: m is reachable from the kept branch
	require.False(t, skip["m"])
}

func TestSkipSetFalseBranch(t *testing.T) {
	t.Parallel()

	skip := SkipSet(conditionDef(), "c", false)
	require.True(t, skip["a"])
	require.False(t, skip["b"])
	require.False(t, skip["m"])
}

func TestSkipSetDefaultEdgesKeepWhenBranchEmpty(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("c", workflow.NodeCondition),
			node("a", workflow.NodeTransform),
			node("b", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{
			edge("c", "a", ""),        // default
			edge("c", "b", "false"),   // false branch
		},
	}
	// true branch has no edges: default edges are kept, false edges dropped.
	skip := SkipSet(def, "c", true)
	require.True(t, skip["b"])
	require.False(t, skip["a"])
}

func TestSkipSetDeepBranches(t *testing.T) {
	t.Parallel()

	// c -true-> a1 -> a2, c -false-> b1 -> b2
	def := workflow.Definition{
		Nodes: []workflow.Node{
			node("c", workflow.NodeCondition),
			node("a1", workflow.NodeTransform), node("a2", workflow.NodeTransform),
			node("b1", workflow.NodeTransform), node("b2", workflow.NodeTransform),
		},
		Edges: []workflow.Edge{
			edge("c", "a1", "true"), edge("a1", "a2", ""),
			edge("c", "b1", "false"), edge("b1", "b2", ""),
		},
	}
	skip := SkipSet(def, "c", true)
	require.True(t, skip["b1"])
	require.True(t, skip["b2"])
	require.False(t, skip["a1"])
	require.False(t, skip["a2"])
}
